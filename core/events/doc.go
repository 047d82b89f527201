// Package events defines the queue related events emitted on the event bus.
//
// Available event types:
//   - PositionChanged: an entry moved to a new position
//   - Promoted: the expiry monitor handed position 1 a fresh reservation
//   - Expired: a reservation or entry timed out
//   - Rebalanced: a station's positions were rewritten to 1..N
//
// Delivery is fire and forget: publishers never block on consumers and no
// event is delivered more than once.
package events
