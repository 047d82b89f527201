package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/voltgrid/chargeq/core/events"
	"github.com/voltgrid/chargeq/core/model"
)

// Rebalance restores the contiguous 1..N position invariant for the station.
// Target positions are the 1-based rank by JoinedAt, so FIFO order survives
// any insertion or removal. Only entries whose position actually changes are
// written, in one atomic batch; running it twice in a row writes nothing the
// second time.
func (a *Allocator) Rebalance(ctx context.Context, stationID string) error {
	st, ok := a.stations.Station(stationID)
	if !ok {
		return fmt.Errorf("rebalance %s: %w", stationID, ErrUnknownStation)
	}
	active, err := a.store.ListActive(ctx, stationID)
	if err != nil {
		return storeErr("list", err)
	}
	if len(active) == 0 {
		return nil
	}

	ranked := make([]model.QueueEntry, len(active))
	copy(ranked, active)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].Position < ranked[j].Position
		}
		return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
	})

	type move struct {
		entry model.QueueEntry
		from  int
		to    int
	}
	var updates []PositionUpdate
	var moved []move
	for i, e := range ranked {
		target := i + 1
		if e.Position == target {
			continue
		}
		updates = append(updates, PositionUpdate{
			ID:                   e.ID,
			Position:             target,
			EstimatedWaitMinutes: estimateWait(target, st),
		})
		moved = append(moved, move{entry: e, from: e.Position, to: target})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := a.store.UpdatePositions(ctx, stationID, updates); err != nil {
		return storeErr("update positions", err)
	}

	now := a.now()
	for _, m := range moved {
		a.publish(events.PositionChanged{
			StationID: stationID, UserID: m.entry.UserID,
			Position: m.to, OldPosition: m.from,
			Status: m.entry.Status, Time: now,
		})
	}
	a.publish(events.Rebalanced{
		StationID: stationID, Moves: len(updates), Size: len(ranked), Time: now,
	})
	a.record("rebalanced", model.QueueEntry{StationID: stationID})
	a.log.Debugw("queue rebalanced", map[string]any{
		"station": stationID, "moves": len(updates), "size": len(ranked),
	})
	return nil
}

// RebalanceAll runs the rebalancer over every station with active entries.
// Failures are collected per station so one bad station cannot shadow the
// rest of the sweep.
func (a *Allocator) RebalanceAll(ctx context.Context) error {
	stations, err := a.store.ListActiveStations(ctx)
	if err != nil {
		return storeErr("list stations", err)
	}
	var firstErr error
	for _, id := range stations {
		if err := a.Rebalance(ctx, id); err != nil {
			a.log.Errorf("rebalance failed: station=%s err=%v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
