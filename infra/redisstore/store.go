// Package redisstore provides a Redis-backed queue.Store for multi-node
// deployments. Entries are JSON blobs keyed by id; per-station ZSETs keep the
// active order, and secondary indexes serve reservation expiry and terminal
// purge scans.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltgrid/chargeq/core/model"
	"github.com/voltgrid/chargeq/core/queue"
)

const (
	entryKeyPrefix  = "cq:entry:"    // + entry id -> JSON blob
	queueKeyPrefix  = "cq:q:"        // + station id -> ZSET member=id score=position
	activeKeyPrefix = "cq:active:"   // + station:user -> entry id
	reservedKey     = "cq:reserved"  // ZSET member=id score=expiry unix
	terminalKey     = "cq:terminal"  // ZSET member=id score=updated unix
	stationsKey     = "cq:stations"  // SET of station ids with active entries
)

func entryKey(id string) string          { return entryKeyPrefix + id }
func queueKey(stationID string) string   { return queueKeyPrefix + stationID }
func activeKey(stationID, userID string) string {
	return fmt.Sprintf("%s%s:%s", activeKeyPrefix, stationID, userID)
}

// Store implements queue.Store on a Redis client. Position rewrites go through
// a MULTI/EXEC pipeline so readers never observe a half-applied batch.
type Store struct {
	rdb redis.Cmdable
	now func() time.Time
}

// New wraps the client. The client's own pooling and retry settings apply.
func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func (s *Store) Find(ctx context.Context, stationID, userID string) (model.QueueEntry, error) {
	id, err := s.rdb.Get(ctx, activeKey(stationID, userID)).Result()
	if err == redis.Nil {
		return model.QueueEntry{}, queue.ErrNoActiveEntry
	}
	if err != nil {
		return model.QueueEntry{}, &queue.PersistenceError{Op: "find", Err: err}
	}
	e, err := s.getEntry(ctx, id)
	if err == redis.Nil {
		// Stale index entry; the blob is the source of truth.
		return model.QueueEntry{}, queue.ErrNoActiveEntry
	}
	if err != nil {
		return model.QueueEntry{}, &queue.PersistenceError{Op: "find", Err: err}
	}
	return e, nil
}

func (s *Store) ListActive(ctx context.Context, stationID string) ([]model.QueueEntry, error) {
	ids, err := s.rdb.ZRange(ctx, queueKey(stationID), 0, -1).Result()
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list_active", Err: err}
	}
	res, err := s.getEntries(ctx, ids)
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list_active", Err: err}
	}
	return res, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time) ([]model.QueueEntry, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, reservedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list_expired", Err: err}
	}
	res, err := s.getEntries(ctx, ids)
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list_expired", Err: err}
	}
	return res, nil
}

func (s *Store) ListActiveStations(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, stationsKey).Result()
	if err != nil {
		return nil, &queue.PersistenceError{Op: "list_stations", Err: err}
	}
	return ids, nil
}

func (s *Store) Insert(ctx context.Context, e model.QueueEntry) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return &queue.PersistenceError{Op: "insert", Err: err}
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, entryKey(e.ID), blob, 0)
		p.Set(ctx, activeKey(e.StationID, e.UserID), e.ID, 0)
		p.ZAdd(ctx, queueKey(e.StationID), redis.Z{Score: float64(e.Position), Member: e.ID})
		p.SAdd(ctx, stationsKey, e.StationID)
		if e.Status == model.StatusReserved {
			p.ZAdd(ctx, reservedKey, redis.Z{Score: float64(e.ReservationExpiry.Unix()), Member: e.ID})
		}
		return nil
	})
	if err != nil {
		return &queue.PersistenceError{Op: "insert", Err: err}
	}
	return nil
}

func (s *Store) Update(ctx context.Context, e model.QueueEntry) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return &queue.PersistenceError{Op: "update", Err: err}
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, entryKey(e.ID), blob, 0)
		if e.Status.Terminal() {
			p.Del(ctx, activeKey(e.StationID, e.UserID))
			p.ZRem(ctx, queueKey(e.StationID), e.ID)
			p.ZRem(ctx, reservedKey, e.ID)
			p.ZAdd(ctx, terminalKey, redis.Z{Score: float64(e.UpdatedAt.Unix()), Member: e.ID})
			return nil
		}
		p.ZAdd(ctx, queueKey(e.StationID), redis.Z{Score: float64(e.Position), Member: e.ID})
		if e.Status == model.StatusReserved {
			p.ZAdd(ctx, reservedKey, redis.Z{Score: float64(e.ReservationExpiry.Unix()), Member: e.ID})
		} else {
			p.ZRem(ctx, reservedKey, e.ID)
		}
		return nil
	})
	if err != nil {
		return &queue.PersistenceError{Op: "update", Err: err}
	}
	if e.Status.Terminal() {
		s.dropStationIfEmpty(ctx, e.StationID)
	}
	return nil
}

func (s *Store) UpdatePositions(ctx context.Context, stationID string, updates []queue.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	entries, err := s.getEntries(ctx, ids)
	if err != nil {
		return &queue.PersistenceError{Op: "update_positions", Err: err}
	}
	byID := make(map[string]model.QueueEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	now := s.now()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range updates {
			e, ok := byID[u.ID]
			if !ok {
				continue
			}
			e.Position = u.Position
			e.EstimatedWaitMinutes = u.EstimatedWaitMinutes
			e.UpdatedAt = now
			blob, err := json.Marshal(e)
			if err != nil {
				return err
			}
			p.Set(ctx, entryKey(e.ID), blob, 0)
			p.ZAdd(ctx, queueKey(stationID), redis.Z{Score: float64(u.Position), Member: e.ID})
		}
		return nil
	})
	if err != nil {
		return &queue.PersistenceError{Op: "update_positions", Err: err}
	}
	return nil
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	max := "(" + strconv.FormatInt(before.Unix(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, terminalKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, &queue.PersistenceError{Op: "purge", Err: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, terminalKey, members...)
		return nil
	})
	if err != nil {
		return 0, &queue.PersistenceError{Op: "purge", Err: err}
	}
	return len(ids), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &queue.PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) getEntry(ctx context.Context, id string) (model.QueueEntry, error) {
	blob, err := s.rdb.Get(ctx, entryKey(id)).Result()
	if err != nil {
		return model.QueueEntry{}, err
	}
	var e model.QueueEntry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		return model.QueueEntry{}, err
	}
	return e, nil
}

func (s *Store) getEntries(ctx context.Context, ids []string) ([]model.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	res := make([]model.QueueEntry, 0, len(vals))
	for _, v := range vals {
		blob, ok := v.(string)
		if !ok {
			// Index points at a deleted blob. Skip rather than fail the scan.
			continue
		}
		var e model.QueueEntry
		if err := json.Unmarshal([]byte(blob), &e); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// dropStationIfEmpty is best effort. A stale member only means a later scan
// sees an empty list for the station.
func (s *Store) dropStationIfEmpty(ctx context.Context, stationID string) {
	n, err := s.rdb.ZCard(ctx, queueKey(stationID)).Result()
	if err == nil && n == 0 {
		s.rdb.SRem(ctx, stationsKey, stationID)
	}
}
