package model

import (
	"fmt"
	"sort"
	"sync"
)

// Station describes the capacity of a charging site. The queue core only reads
// these fields; it never mutates station capacity.
type Station struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	TotalPorts            int     `json:"total_ports"`
	MaxQueueLength        int     `json:"max_queue_length"`
	AverageSessionMinutes float64 `json:"average_session_minutes"`
}

// Validate checks the capacity fields needed for wait estimation.
func (s Station) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("station id is required")
	}
	if s.TotalPorts <= 0 {
		return fmt.Errorf("station %s: total_ports must be positive", s.ID)
	}
	if s.MaxQueueLength <= 0 {
		return fmt.Errorf("station %s: max_queue_length must be positive", s.ID)
	}
	if s.AverageSessionMinutes <= 0 {
		return fmt.Errorf("station %s: average_session_minutes must be positive", s.ID)
	}
	return nil
}

// StationDirectory resolves station capacity data. Implementations live
// outside the queue core.
type StationDirectory interface {
	Station(id string) (Station, bool)
	List() []Station
}

// MemoryDirectory is a StationDirectory backed by a map.
type MemoryDirectory struct {
	mu       sync.RWMutex
	stations map[string]Station
}

// NewMemoryDirectory returns a directory preloaded with the given stations.
func NewMemoryDirectory(stations ...Station) *MemoryDirectory {
	d := &MemoryDirectory{stations: make(map[string]Station, len(stations))}
	for _, s := range stations {
		d.stations[s.ID] = s
	}
	return d
}

func (d *MemoryDirectory) Station(id string) (Station, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stations[id]
	return s, ok
}

func (d *MemoryDirectory) List() []Station {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make([]Station, 0, len(d.stations))
	for _, s := range d.stations {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Put inserts or replaces a station.
func (d *MemoryDirectory) Put(s Station) {
	d.mu.Lock()
	d.stations[s.ID] = s
	d.mu.Unlock()
}
