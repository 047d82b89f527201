package queue

import (
	"context"
	"testing"
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

func seedEntry(id, station, user string, pos int, status model.Status, joined time.Time) model.QueueEntry {
	return model.QueueEntry{
		ID: id, StationID: station, UserID: user,
		Position: pos, Status: status,
		JoinedAt: joined, UpdatedAt: joined,
	}
}

func TestMemoryStoreFindSkipsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	if err := s.Insert(ctx, seedEntry("a", "st1", "u1", 1, model.StatusCancelled, base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Find(ctx, "st1", "u1"); err != ErrNoActiveEntry {
		t.Fatalf("expected ErrNoActiveEntry, got %v", err)
	}
	if err := s.Insert(ctx, seedEntry("b", "st1", "u1", 1, model.StatusWaiting, base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	e, err := s.Find(ctx, "st1", "u1")
	if err != nil || e.ID != "b" {
		t.Fatalf("find = %v, %v; want entry b", e.ID, err)
	}
}

func TestMemoryStoreListActiveOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for _, e := range []model.QueueEntry{
		seedEntry("c", "st1", "u3", 3, model.StatusWaiting, base),
		seedEntry("a", "st1", "u1", 1, model.StatusCharging, base),
		seedEntry("b", "st1", "u2", 2, model.StatusWaiting, base),
		seedEntry("x", "st2", "u9", 1, model.StatusWaiting, base),
		seedEntry("d", "st1", "u4", 4, model.StatusExpired, base),
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	active, err := s.ListActive(ctx, "st1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	for i, want := range []string{"a", "b", "c"} {
		if active[i].ID != want {
			t.Fatalf("slot %d = %s, want %s", i, active[i].ID, want)
		}
	}
}

func TestMemoryStoreExpiredReservations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	overdue := seedEntry("a", "st1", "u1", 1, model.StatusReserved, now.Add(-time.Hour))
	overdue.ReservationExpiry = now.Add(-10 * time.Minute)
	current := seedEntry("b", "st2", "u2", 1, model.StatusReserved, now.Add(-time.Hour))
	current.ReservationExpiry = now.Add(10 * time.Minute)
	for _, e := range []model.QueueEntry{overdue, current} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	expired, err := s.ListExpiredReservations(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "a" {
		t.Fatalf("expired = %+v, want only entry a", expired)
	}
}

func TestMemoryStoreUpdatePositionsBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for _, e := range []model.QueueEntry{
		seedEntry("a", "st1", "u1", 2, model.StatusWaiting, base),
		seedEntry("b", "st1", "u2", 5, model.StatusWaiting, base),
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	err := s.UpdatePositions(ctx, "st1", []PositionUpdate{
		{ID: "a", Position: 1, EstimatedWaitMinutes: 0},
		{ID: "b", Position: 2, EstimatedWaitMinutes: 20},
		{ID: "missing", Position: 3},
	})
	if err != nil {
		t.Fatalf("update positions: %v", err)
	}
	active, _ := s.ListActive(ctx, "st1")
	if active[0].ID != "a" || active[0].Position != 1 {
		t.Fatalf("a = %+v", active[0])
	}
	if active[1].ID != "b" || active[1].Position != 2 || active[1].EstimatedWaitMinutes != 20 {
		t.Fatalf("b = %+v", active[1])
	}
}

func TestMemoryStoreActiveStationsAndPurge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	for _, e := range []model.QueueEntry{
		seedEntry("a", "st2", "u1", 1, model.StatusWaiting, fresh),
		seedEntry("b", "st1", "u2", 1, model.StatusCharging, fresh),
		seedEntry("c", "st3", "u3", 1, model.StatusCompleted, old),
		seedEntry("d", "st3", "u4", 1, model.StatusExpired, fresh),
	} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	stations, err := s.ListActiveStations(ctx)
	if err != nil {
		t.Fatalf("stations: %v", err)
	}
	if len(stations) != 2 || stations[0] != "st1" || stations[1] != "st2" {
		t.Fatalf("stations = %v, want [st1 st2]", stations)
	}
	n, err := s.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1 (only the stale terminal entry)", n)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
