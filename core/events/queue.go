package events

import (
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

// PositionChanged is published when an entry's position changes, including the
// initial placement on join.
type PositionChanged struct {
	StationID   string
	UserID      string
	Position    int
	OldPosition int
	Status      model.Status
	Time        time.Time
}

// Promoted is published when the expiry monitor grants the head of the queue a
// fresh reservation after the previous holder went silent.
type Promoted struct {
	StationID         string
	UserID            string
	ReservationExpiry time.Time
	Promotions        int
	Time              time.Time
}

// Expired is published when a reservation or entry times out.
type Expired struct {
	StationID string
	UserID    string
	Status    model.Status
	Time      time.Time
}

// Rebalanced is published after a station's positions were rewritten. Moves
// counts the entries whose position actually changed.
type Rebalanced struct {
	StationID string
	Moves     int
	Size      int
	Time      time.Time
}
