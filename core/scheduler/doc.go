// Package scheduler drives the periodic maintenance processes of the queue
// core. Each registered process runs on its own interval under its own
// concurrency limiter, so a slow run can neither starve other categories nor
// pile up on top of itself. One-off deferred tasks share the limiters and are
// retried with exponential backoff until their retry budget is spent.
//
// Handler failures never stop the schedule: they are routed through a
// per-process FailurePolicy and the next tick fires regardless.
package scheduler
