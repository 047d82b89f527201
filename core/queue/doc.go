// Package queue implements the station waiting line: the allocator owning the
// per-entry state machine, the rebalancer that keeps positions contiguous, and
// the expiry monitor that releases timed-out reservations and promotes the
// next entry.
//
// Persistence is abstracted behind the Store interface. The invariants the
// package maintains per station are:
//   - active positions form exactly {1..N}, no gaps, no duplicates
//   - reserved and charging entries sit at position 1
//   - at most one active entry per (station, user) pair
package queue
