package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/voltgrid/chargeq/core/events"
	"github.com/voltgrid/chargeq/core/logger"
	"github.com/voltgrid/chargeq/core/metrics"
	"github.com/voltgrid/chargeq/core/model"
	"github.com/voltgrid/chargeq/internal/eventbus"
)

// Allocator owns the per-entry state machine: join, leave, reserve, start and
// complete. Every structural change runs the rebalancer before returning.
type Allocator struct {
	store    Store
	stations model.StationDirectory
	bus      eventbus.EventBus
	log      logger.Logger
	sink     metrics.QueueRecorder

	now func() time.Time
}

// NewAllocator creates an allocator. bus and sink may be nil; events and
// metrics are then dropped.
func NewAllocator(store Store, stations model.StationDirectory, bus eventbus.EventBus, log logger.Logger, sink metrics.QueueRecorder) (*Allocator, error) {
	if store == nil || stations == nil {
		return nil, fmt.Errorf("queue: nil parameter provided to NewAllocator")
	}
	if log == nil {
		return nil, fmt.Errorf("queue: logger is required")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Allocator{
		store:    store,
		stations: stations,
		bus:      bus,
		log:      log,
		sink:     sink,
		now:      time.Now,
	}, nil
}

// Join appends the user to the station's queue. It fails with ErrAlreadyQueued
// when the pair already holds an active entry and with ErrQueueFull when the
// queue reached the station's maximum length.
func (a *Allocator) Join(ctx context.Context, stationID, userID string) (model.QueueEntry, error) {
	st, ok := a.stations.Station(stationID)
	if !ok {
		return model.QueueEntry{}, fmt.Errorf("join %s: %w", stationID, ErrUnknownStation)
	}
	if _, err := a.store.Find(ctx, stationID, userID); err == nil {
		return model.QueueEntry{}, ErrAlreadyQueued
	} else if !errors.Is(err, ErrNoActiveEntry) {
		return model.QueueEntry{}, storeErr("find", err)
	}
	active, err := a.store.ListActive(ctx, stationID)
	if err != nil {
		return model.QueueEntry{}, storeErr("list", err)
	}
	if len(active) >= st.MaxQueueLength {
		return model.QueueEntry{}, ErrQueueFull
	}

	now := a.now()
	entry := model.QueueEntry{
		ID:                   uuid.NewString(),
		StationID:            stationID,
		UserID:               userID,
		Position:             len(active) + 1,
		Status:               model.StatusWaiting,
		EstimatedWaitMinutes: estimateWait(len(active)+1, st),
		JoinedAt:             now,
		UpdatedAt:            now,
	}
	if err := a.store.Insert(ctx, entry); err != nil {
		return model.QueueEntry{}, storeErr("insert", err)
	}
	a.log.Debugw("user joined queue", map[string]any{
		"station": stationID, "user": userID, "position": entry.Position,
	})
	a.publish(events.PositionChanged{
		StationID: stationID, UserID: userID,
		Position: entry.Position, Status: entry.Status, Time: now,
	})
	a.record("joined", entry)
	return entry, nil
}

// Leave terminalizes the user's entry with the given reason, rebalances the
// station and runs a promotion check when position 1 was vacated.
func (a *Allocator) Leave(ctx context.Context, stationID, userID string, reason model.LeaveReason) error {
	entry, err := a.store.Find(ctx, stationID, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveEntry) {
			return err
		}
		return storeErr("find", err)
	}
	return a.terminate(ctx, entry, reason)
}

// Reserve grants the caller a time-boxed hold on position 1. Only the head of
// the queue in waiting state may reserve.
func (a *Allocator) Reserve(ctx context.Context, stationID, userID string, minutes int) (model.QueueEntry, error) {
	entry, err := a.store.Find(ctx, stationID, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveEntry) {
			return model.QueueEntry{}, err
		}
		return model.QueueEntry{}, storeErr("find", err)
	}
	if entry.Position != 1 || entry.Status != model.StatusWaiting {
		return model.QueueEntry{}, fmt.Errorf("reserve at position %d in state %s: %w",
			entry.Position, entry.Status, ErrOutOfTurn)
	}
	if minutes <= 0 {
		return model.QueueEntry{}, fmt.Errorf("reserve: hold must be positive")
	}

	now := a.now()
	entry.Status = model.StatusReserved
	entry.ReservationExpiry = now.Add(time.Duration(minutes) * time.Minute)
	entry.UpdatedAt = now
	if err := a.store.Update(ctx, entry); err != nil {
		return model.QueueEntry{}, storeErr("update", err)
	}
	a.log.Infof("reservation granted: station=%s user=%s until=%s",
		stationID, userID, entry.ReservationExpiry.Format(time.RFC3339))
	a.record("reserved", entry)
	return entry, nil
}

// StartCharging transitions the head's reservation into an active session.
func (a *Allocator) StartCharging(ctx context.Context, stationID, userID string) (model.QueueEntry, error) {
	entry, err := a.store.Find(ctx, stationID, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveEntry) {
			return model.QueueEntry{}, err
		}
		return model.QueueEntry{}, storeErr("find", err)
	}
	if entry.Status != model.StatusReserved {
		return model.QueueEntry{}, fmt.Errorf("start charging in state %s: %w", entry.Status, ErrOutOfTurn)
	}

	now := a.now()
	entry.Status = model.StatusCharging
	entry.ReservationExpiry = time.Time{}
	entry.ReadyAt = now
	entry.UpdatedAt = now
	if err := a.store.Update(ctx, entry); err != nil {
		return model.QueueEntry{}, storeErr("update", err)
	}
	a.record("charging", entry)
	return entry, nil
}

// CompleteCharging ends the session and frees position 1, cascading into a
// rebalance and a promotion check.
func (a *Allocator) CompleteCharging(ctx context.Context, stationID, userID string) error {
	entry, err := a.store.Find(ctx, stationID, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveEntry) {
			return err
		}
		return storeErr("find", err)
	}
	if entry.Status != model.StatusCharging {
		return fmt.Errorf("complete charging in state %s: %w", entry.Status, ErrOutOfTurn)
	}
	return a.terminate(ctx, entry, model.LeaveCompleted)
}

// PromoteHead grants the station's head entry a fresh reservation. It is used
// by the expiry monitor when the previous holder went silent. A head that is
// not in waiting state makes this a no-op.
func (a *Allocator) PromoteHead(ctx context.Context, stationID string, hold time.Duration) (model.QueueEntry, bool, error) {
	active, err := a.store.ListActive(ctx, stationID)
	if err != nil {
		return model.QueueEntry{}, false, storeErr("list", err)
	}
	if len(active) == 0 {
		return model.QueueEntry{}, false, nil
	}
	head := active[0]
	if head.Status != model.StatusWaiting {
		return model.QueueEntry{}, false, nil
	}

	now := a.now()
	head.Status = model.StatusReserved
	head.ReservationExpiry = now.Add(hold)
	head.Promotions++
	head.UpdatedAt = now
	if err := a.store.Update(ctx, head); err != nil {
		return model.QueueEntry{}, false, storeErr("update", err)
	}
	a.log.Infof("auto-promoted: station=%s user=%s promotions=%d", stationID, head.UserID, head.Promotions)
	a.publish(events.Promoted{
		StationID: stationID, UserID: head.UserID,
		ReservationExpiry: head.ReservationExpiry,
		Promotions:        head.Promotions, Time: now,
	})
	a.record("promoted", head)
	return head, true, nil
}

// QueueStats summarizes a station's queue for the booking flow.
type QueueStats struct {
	StationID            string  `json:"station_id"`
	TotalWaiting         int     `json:"total_waiting"`
	ActiveCount          int     `json:"active_count"`
	AverageWaitMinutes   float64 `json:"average_wait_minutes"`
	Position             int     `json:"position,omitempty"`
	EstimatedWaitMinutes int     `json:"estimated_wait_minutes,omitempty"`
}

// Stats reports the station's queue depth and, when userID holds an active
// entry, that caller's position.
func (a *Allocator) Stats(ctx context.Context, stationID, userID string) (QueueStats, error) {
	if _, ok := a.stations.Station(stationID); !ok {
		return QueueStats{}, fmt.Errorf("stats %s: %w", stationID, ErrUnknownStation)
	}
	active, err := a.store.ListActive(ctx, stationID)
	if err != nil {
		return QueueStats{}, storeErr("list", err)
	}
	st := QueueStats{StationID: stationID, ActiveCount: len(active)}
	total := 0
	for _, e := range active {
		if e.Status == model.StatusWaiting {
			st.TotalWaiting++
		}
		total += e.EstimatedWaitMinutes
		if e.UserID == userID {
			st.Position = e.Position
			st.EstimatedWaitMinutes = e.EstimatedWaitMinutes
		}
	}
	if len(active) > 0 {
		st.AverageWaitMinutes = float64(total) / float64(len(active))
	}
	return st, nil
}

// terminate marks the entry terminal exactly once, rebalances the station and
// checks for a promotion when the head was removed.
func (a *Allocator) terminate(ctx context.Context, entry model.QueueEntry, reason model.LeaveReason) error {
	wasHead := entry.Position == 1
	now := a.now()
	entry.Status = reason.TerminalStatus()
	entry.LeftReason = reason
	entry.ReservationExpiry = time.Time{}
	entry.UpdatedAt = now
	if entry.Status == model.StatusExpired {
		entry.ExpiredAt = now
	}
	if err := a.store.Update(ctx, entry); err != nil {
		return storeErr("update", err)
	}
	a.log.Debugw("entry terminalized", map[string]any{
		"station": entry.StationID, "user": entry.UserID, "reason": string(reason),
	})
	if entry.Status == model.StatusExpired {
		a.publish(events.Expired{
			StationID: entry.StationID, UserID: entry.UserID,
			Status: entry.Status, Time: now,
		})
	}
	a.record("left", entry)

	if err := a.Rebalance(ctx, entry.StationID); err != nil {
		return err
	}
	if wasHead {
		a.promotionCheck(ctx, entry.StationID)
	}
	return nil
}

// promotionCheck inspects the station head after position 1 was vacated. The
// successor advances through the rebalance alone; reservations stay explicit,
// so there is nothing to write here unless the head is stuck, which the
// expiry monitor handles on its own clock.
func (a *Allocator) promotionCheck(ctx context.Context, stationID string) {
	active, err := a.store.ListActive(ctx, stationID)
	if err != nil {
		a.log.Warnf("promotion check list failed: station=%s err=%v", stationID, err)
		return
	}
	if len(active) == 0 {
		return
	}
	a.log.Debugw("promotion check", map[string]any{
		"station": stationID, "head": active[0].UserID, "state": active[0].Status.String(),
	})
}

func (a *Allocator) publish(ev eventbus.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

func (a *Allocator) record(kind string, e model.QueueEntry) {
	ev := metrics.QueueEvent{
		StationID: e.StationID,
		UserID:    e.UserID,
		Kind:      kind,
		Position:  e.Position,
		Time:      a.now(),
	}
	if err := a.sink.RecordQueueEvent(ev); err != nil {
		a.log.Errorf("queue metrics error: %v", err)
	}
}

// estimateWait derives the minutes a new entry at the given position waits
// before reaching a port.
func estimateWait(position int, st model.Station) int {
	if position <= 1 {
		return 0
	}
	return int(math.Ceil(float64(position-1) * st.AverageSessionMinutes / float64(st.TotalPorts)))
}
