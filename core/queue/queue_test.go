package queue

import (
	"context"
	"testing"
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

// testLogger routes log output to the test log.
type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, args ...any)  { l.t.Logf("DEBUG "+format, args...) }
func (l testLogger) Debugw(msg string, _ map[string]any) { l.t.Logf("DEBUG %s", msg) }
func (l testLogger) Infof(format string, args ...any)   { l.t.Logf("INFO "+format, args...) }
func (l testLogger) Warnf(format string, args ...any)   { l.t.Logf("WARN "+format, args...) }
func (l testLogger) Errorf(format string, args ...any)  { l.t.Logf("ERROR "+format, args...) }

// fakeClock hands out a controllable time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func testStation() model.Station {
	return model.Station{
		ID:                    "st1",
		Name:                  "Harbor East",
		TotalPorts:            2,
		MaxQueueLength:        5,
		AverageSessionMinutes: 40,
	}
}

func newTestAllocator(t *testing.T) (*Allocator, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	dir := model.NewMemoryDirectory(testStation())
	alloc, err := NewAllocator(store, dir, nil, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	alloc.now = clock.now
	return alloc, store, clock
}

// mustJoin joins and spaces joins one second apart so FIFO order is
// unambiguous.
func mustJoin(t *testing.T, a *Allocator, clock *fakeClock, user string) model.QueueEntry {
	t.Helper()
	clock.advance(time.Second)
	e, err := a.Join(context.Background(), "st1", user)
	if err != nil {
		t.Fatalf("join %s: %v", user, err)
	}
	return e
}

// assertContiguous checks the 1..N position invariant for the station.
func assertContiguous(t *testing.T, store Store, stationID string) {
	t.Helper()
	active, err := store.ListActive(context.Background(), stationID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	seen := map[int]string{}
	for _, e := range active {
		if prev, dup := seen[e.Position]; dup {
			t.Fatalf("duplicate position %d held by %s and %s", e.Position, prev, e.UserID)
		}
		seen[e.Position] = e.UserID
	}
	for p := 1; p <= len(active); p++ {
		if _, ok := seen[p]; !ok {
			t.Fatalf("position %d missing, active=%d", p, len(active))
		}
	}
}
