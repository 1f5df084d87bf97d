// Package workerproto defines the newline-delimited JSON protocol between
// a goCaptcha parent process and its renderer worker, plus the worker-side
// Serve loop.
//
// The parent writes one Request per line on the worker's stdin and reads
// one Response per line from its stdout. Requests carry correlation IDs
// so the worker may answer out of order; the first request must be
// OpInit, which configures the renderer for the life of the process.
//
// # What this package must NOT do
//
//   - Import the root goCaptcha package; it has its own wire types.
//   - Manage the worker process lifecycle (spawning and killing is the
//     parent's job).
package workerproto
