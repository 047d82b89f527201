package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltgrid/chargeq/core/model"
)

// MemoryStore is a Store backed by process memory. It serves tests and
// single-node deployments without an external store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.QueueEntry // by entry id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]model.QueueEntry{}}
}

func (s *MemoryStore) Find(_ context.Context, stationID, userID string) (model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.StationID == stationID && e.UserID == userID && e.Status.Active() {
			return e, nil
		}
	}
	return model.QueueEntry{}, ErrNoActiveEntry
}

func (s *MemoryStore) ListActive(_ context.Context, stationID string) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.QueueEntry
	for _, e := range s.entries {
		if e.StationID == stationID && e.Status.Active() {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Position < res[j].Position })
	return res, nil
}

func (s *MemoryStore) ListExpiredReservations(_ context.Context, now time.Time) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.QueueEntry
	for _, e := range s.entries {
		if e.Status == model.StatusReserved && e.ReservationExpiry.Before(now) {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ReservationExpiry.Before(res[j].ReservationExpiry) })
	return res, nil
}

func (s *MemoryStore) ListActiveStations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for _, e := range s.entries {
		if e.Status.Active() {
			seen[e.StationID] = true
		}
	}
	res := make([]string, 0, len(seen))
	for id := range seen {
		res = append(res, id)
	}
	sort.Strings(res)
	return res, nil
}

func (s *MemoryStore) Insert(_ context.Context, e model.QueueEntry) error {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, e model.QueueEntry) error {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdatePositions(_ context.Context, _ string, updates []PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Single lock scope makes the batch atomic for every reader.
	for _, u := range updates {
		e, ok := s.entries[u.ID]
		if !ok {
			continue
		}
		e.Position = u.Position
		e.EstimatedWaitMinutes = u.EstimatedWaitMinutes
		e.UpdatedAt = time.Now()
		s.entries[u.ID] = e
	}
	return nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.Status.Terminal() && e.UpdatedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
