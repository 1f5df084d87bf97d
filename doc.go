// Package goCaptcha provides a bot-deterrence challenge engine: a
// demand-adaptive production queue that keeps a pool of ready challenge
// payloads warm, and a per-subject verification store running a
// challenge-response protocol with fractional-penalty scoring, cooldowns,
// expiry, and anti-automation timing heuristics.
//
// The actual puzzle algorithm is external to this package: callers supply a
// [Renderer] that produces one [Challenge] per invocation. Rendering may be
// slow and may fail; the queue absorbs both. Rendering can optionally be
// offloaded to one persistent isolated worker process (see [WorkerConfig]
// and the workerproto package).
//
// The package is designed for concurrent server workloads: [Store] methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build]. Calls for the same subject are serialized internally so
// the verification cascade never interleaves.
//
// # Architecture boundaries
//
// goCaptcha is the public surface. It exposes [Store], [ChallengeQueue],
// [Builder], [Config], and value types (Result, ChallengeView,
// MetricsSnapshot, AuditEvent). Internal coordination (audit dispatch,
// metric storage) lives under internal/ and is never exported directly.
//
// # What this package must NOT do
//
//   - Persist subject records: all record state is in-memory and lost on
//     restart. The optional shared limit ledger mirrors only
//     rate-limit windows, never records.
//   - Render puzzles or judge their visual quality.
//   - Throw to the caller from [Store.TryAuth]: internal failures surface
//     as [StateError] results, never as errors or panics.
package goCaptcha
