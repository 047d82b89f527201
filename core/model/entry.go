package model

import "time"

// Status enumerates the lifecycle states of a queue entry.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReserved  Status = "reserved"
	StatusCharging  Status = "charging"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status ends the entry lifecycle. A terminal
// entry is never reactivated; a new join creates a new entry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Active is the complement of Terminal.
func (s Status) Active() bool { return !s.Terminal() }

func (s Status) String() string { return string(s) }

// LeaveReason qualifies why an entry left the queue.
type LeaveReason string

const (
	LeaveUserCancelled LeaveReason = "user_cancelled"
	LeaveExpired       LeaveReason = "expired"
	LeaveCompleted     LeaveReason = "completed"
)

// TerminalStatus maps a leave reason to the terminal status it produces.
func (r LeaveReason) TerminalStatus() Status {
	switch r {
	case LeaveExpired:
		return StatusExpired
	case LeaveCompleted:
		return StatusCompleted
	default:
		return StatusCancelled
	}
}

// QueueEntry is one user's claim on one station's waiting line. Position is
// 1-based and unique among active entries of the same station; reserved and
// charging are only legal at position 1.
type QueueEntry struct {
	ID                   string      `json:"id"`
	StationID            string      `json:"station_id"`
	UserID               string      `json:"user_id"`
	Position             int         `json:"position"`
	Status               Status      `json:"status"`
	ReservationExpiry    time.Time   `json:"reservation_expiry,omitempty"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	Promotions           int         `json:"promotions"`
	LeftReason           LeaveReason `json:"left_reason,omitempty"`
	JoinedAt             time.Time   `json:"joined_at"`
	ReadyAt              time.Time   `json:"ready_at,omitempty"`
	ExpiredAt            time.Time   `json:"expired_at,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}
