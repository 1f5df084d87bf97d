// Package audit defines the audit event model and the sink implementations
// shared by the root package.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling package.
//   - Block the caller: sinks that can block must honor ctx cancellation.
package audit
