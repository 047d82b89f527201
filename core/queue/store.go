package queue

import (
	"context"
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

// PositionUpdate is one element of an atomic position rewrite.
type PositionUpdate struct {
	ID                   string
	Position             int
	EstimatedWaitMinutes int
}

// Store is the persistence contract for queue entries. Implementations must
// make UpdatePositions atomic per station: a concurrent reader never observes
// a partially applied rewrite.
type Store interface {
	// Find returns the active entry for the pair, or ErrNoActiveEntry.
	Find(ctx context.Context, stationID, userID string) (model.QueueEntry, error)
	// ListActive returns the station's active entries ordered by position.
	ListActive(ctx context.Context, stationID string) ([]model.QueueEntry, error)
	// ListExpiredReservations returns reserved entries whose expiry has
	// passed, across all stations.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]model.QueueEntry, error)
	// ListActiveStations returns the ids of stations holding active entries.
	ListActiveStations(ctx context.Context) ([]string, error)
	Insert(ctx context.Context, e model.QueueEntry) error
	Update(ctx context.Context, e model.QueueEntry) error
	// UpdatePositions applies the batch to the station's entries atomically.
	UpdatePositions(ctx context.Context, stationID string, updates []PositionUpdate) error
	// PurgeTerminal removes terminal entries last updated before the cutoff
	// and returns how many were removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	// Ping probes the backing store for liveness.
	Ping(ctx context.Context) error
}
