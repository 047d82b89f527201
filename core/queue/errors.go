package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyQueued is returned when a user already holds an active entry
	// for the station.
	ErrAlreadyQueued = errors.New("user already queued at station")
	// ErrQueueFull is returned when the station's queue reached its maximum
	// length.
	ErrQueueFull = errors.New("station queue is full")
	// ErrOutOfTurn is returned when an action is attempted from the wrong
	// position or state, such as reserving from position 2.
	ErrOutOfTurn = errors.New("action attempted out of turn")
	// ErrNoActiveEntry is returned when no active entry exists for the
	// (station, user) pair.
	ErrNoActiveEntry = errors.New("no active queue entry")
	// ErrUnknownStation is returned when the station directory has no record
	// of the station.
	ErrUnknownStation = errors.New("unknown station")
)

// PersistenceError wraps a failure surfaced by the Store. The allocator never
// retries these itself; the caller decides.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("queue store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
