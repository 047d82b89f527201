package queue

import (
	"context"
	"testing"
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *Allocator, *MemoryStore, *fakeClock) {
	t.Helper()
	alloc, store, clock := newTestAllocator(t)
	m := NewMonitor(cfg, alloc, alloc.stations, testLogger{t})
	m.now = clock.now
	return m, alloc, store, clock
}

func TestSweepReleasesExpiredAndPromotes(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	mustJoin(t, alloc, clock, "u2")

	if _, err := alloc.Reserve(ctx, "st1", "u1", 15); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// 21 minutes pass with no explicit release: 6 past expiry, beyond the
	// 5 minute grace period.
	clock.advance(21 * time.Minute)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := store.Find(ctx, "st1", "u1"); err == nil {
		t.Fatalf("u1 should no longer hold an active entry")
	}
	head, err := store.Find(ctx, "st1", "u2")
	if err != nil {
		t.Fatalf("find u2: %v", err)
	}
	if head.Position != 1 || head.Status != model.StatusReserved {
		t.Fatalf("u2 = %s@%d, want reserved@1", head.Status, head.Position)
	}
	if head.Promotions != 1 {
		t.Fatalf("promotions = %d, want 1", head.Promotions)
	}
	want := clock.now().Add(15 * time.Minute)
	if !head.ReservationExpiry.Equal(want) {
		t.Fatalf("promoted expiry = %s, want %s", head.ReservationExpiry, want)
	}
	assertContiguous(t, store, "st1")
}

func TestSweepWithinGraceReleasesWithoutPromotion(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	mustJoin(t, alloc, clock, "u2")
	if _, err := alloc.Reserve(ctx, "st1", "u1", 15); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Expired two minutes ago: release, but the successor keeps waiting.
	clock.advance(17 * time.Minute)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	head, err := store.Find(ctx, "st1", "u2")
	if err != nil {
		t.Fatalf("find u2: %v", err)
	}
	if head.Status != model.StatusWaiting || head.Position != 1 {
		t.Fatalf("u2 = %s@%d, want waiting@1", head.Status, head.Position)
	}
}

func TestSweepNoCandidateIsNoop(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	if _, err := alloc.Reserve(ctx, "st1", "u1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.advance(30 * time.Minute)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	active, _ := store.ListActive(ctx, "st1")
	if len(active) != 0 {
		t.Fatalf("queue should be empty, got %d entries", len(active))
	}
}

func TestSweepEntryExpiredExactlyOnce(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	if _, err := alloc.Reserve(ctx, "st1", "u1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.advance(30 * time.Minute)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	// A second sweep sees no reserved entries and changes nothing.
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	expired, _ := store.ListExpiredReservations(ctx, clock.now())
	if len(expired) != 0 {
		t.Fatalf("expired reservations remain: %d", len(expired))
	}
}

func TestPromotionBudgetExhaustedExpiresHead(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{MaxAutoPromotions: 2})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	mustJoin(t, alloc, clock, "u2")
	mustJoin(t, alloc, clock, "u3")
	if _, err := alloc.Reserve(ctx, "st1", "u1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// u1 never shows up; u2 gets promoted, goes silent, and gets promoted
	// again. The third round must expire u2 and promote u3 instead.
	for i := 0; i < 3; i++ {
		clock.advance(time.Hour)
		if err := m.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	if _, err := store.Find(ctx, "st1", "u2"); err == nil {
		t.Fatalf("u2 should have been expired after exhausting promotions")
	}
	head, err := store.Find(ctx, "st1", "u3")
	if err != nil {
		t.Fatalf("find u3: %v", err)
	}
	if head.Status != model.StatusReserved || head.Position != 1 {
		t.Fatalf("u3 = %s@%d, want reserved@1", head.Status, head.Position)
	}
	assertContiguous(t, store, "st1")
}

func TestCleanupTerminalPurgesOldEntries(t *testing.T) {
	m, alloc, store, clock := newTestMonitor(t, MonitorConfig{TerminalRetention: time.Hour})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	mustJoin(t, alloc, clock, "u2")
	if err := alloc.Leave(ctx, "st1", "u1", model.LeaveUserCancelled); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// Too fresh to purge.
	if err := m.CleanupTerminal(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n, _ := store.PurgeTerminal(ctx, clock.now().Add(-time.Hour)); n != 0 {
		t.Fatalf("fresh terminal entry was purged")
	}

	clock.advance(2 * time.Hour)
	if err := m.CleanupTerminal(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// The active entry must survive the purge.
	if _, err := store.Find(ctx, "st1", "u2"); err != nil {
		t.Fatalf("active entry purged: %v", err)
	}
}

func TestWatchSessionsFlagsOverrun(t *testing.T) {
	m, alloc, _, clock := newTestMonitor(t, MonitorConfig{SessionOverrunFactor: 2})
	ctx := context.Background()
	mustJoin(t, alloc, clock, "u1")
	if _, err := alloc.Reserve(ctx, "st1", "u1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := alloc.StartCharging(ctx, "st1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Average session is 40 minutes; three hours is well past the 2x limit.
	clock.advance(3 * time.Hour)
	if err := m.WatchSessions(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestAvailabilityCheck(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, MonitorConfig{})
	if err := m.AvailabilityCheck(context.Background()); err != nil {
		t.Fatalf("availability: %v", err)
	}
}
