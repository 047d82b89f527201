package queue

import (
	"context"
	"time"

	"github.com/voltgrid/chargeq/core/logger"
	"github.com/voltgrid/chargeq/core/model"
)

// MonitorConfig tunes the expiry monitor.
type MonitorConfig struct {
	// GracePeriod is the dwell time past a reservation's nominal expiry
	// before the monitor treats the head as silently stuck and promotes the
	// next entry.
	GracePeriod time.Duration `json:"grace_period"`
	// PromotionHold is the reservation window granted to an auto-promoted
	// entry.
	PromotionHold time.Duration `json:"promotion_hold"`
	// MaxAutoPromotions caps how often the same entry is handed a fresh
	// reservation before being expired instead, so a dead head cannot pin
	// the queue forever.
	MaxAutoPromotions int `json:"max_auto_promotions"`
	// SessionOverrunFactor flags charging sessions running longer than this
	// multiple of the station's average session length.
	SessionOverrunFactor float64 `json:"session_overrun_factor"`
	// TerminalRetention is how long terminal entries are kept before the
	// cleanup sweep purges them.
	TerminalRetention time.Duration `json:"terminal_retention"`
}

// SetDefaults applies sane defaults.
func (c *MonitorConfig) SetDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.PromotionHold <= 0 {
		c.PromotionHold = 15 * time.Minute
	}
	if c.MaxAutoPromotions <= 0 {
		c.MaxAutoPromotions = 3
	}
	if c.SessionOverrunFactor <= 0 {
		c.SessionOverrunFactor = 2
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 24 * time.Hour
	}
}

// Monitor finds timed-out reservations and heals queues whose head went
// silent. It holds no retry logic of its own: a failed release is simply left
// for the next tick.
type Monitor struct {
	cfg      MonitorConfig
	store    Store
	alloc    *Allocator
	stations model.StationDirectory
	log      logger.Logger

	now func() time.Time
}

// NewMonitor creates a Monitor sharing the allocator's store.
func NewMonitor(cfg MonitorConfig, alloc *Allocator, stations model.StationDirectory, log logger.Logger) *Monitor {
	cfg.SetDefaults()
	return &Monitor{
		cfg:      cfg,
		store:    alloc.store,
		alloc:    alloc,
		stations: stations,
		log:      log,
		now:      time.Now,
	}
}

// Sweep releases every reservation whose expiry has passed. A reservation the
// user asked for is terminally expired; one granted by auto-promotion that
// was never claimed reverts the entry to waiting and is promoted again until
// the promotion budget runs out. A release past the grace period additionally
// promotes the next waiting entry, keeping the line moving when the releasing
// event was lost.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.now()
	expired, err := m.store.ListExpiredReservations(ctx, now)
	if err != nil {
		return storeErr("list expired", err)
	}
	for _, e := range expired {
		stuck := now.Sub(e.ReservationExpiry) >= m.cfg.GracePeriod
		if e.Promotions > 0 && e.Promotions < m.cfg.MaxAutoPromotions {
			// Unclaimed auto-promotion with budget left: back to waiting,
			// then hand out the next hold right away.
			e.Status = model.StatusWaiting
			e.ReservationExpiry = time.Time{}
			e.UpdatedAt = now
			if err := m.store.Update(ctx, e); err != nil {
				m.log.Errorf("revert unclaimed promotion failed: station=%s user=%s err=%v",
					e.StationID, e.UserID, err)
				continue
			}
			m.promoteNext(ctx, e.StationID)
			continue
		}
		if err := m.alloc.Leave(ctx, e.StationID, e.UserID, model.LeaveExpired); err != nil {
			m.log.Errorf("release expired reservation failed: station=%s user=%s err=%v",
				e.StationID, e.UserID, err)
			continue
		}
		m.log.Infof("reservation expired: station=%s user=%s overdue=%s",
			e.StationID, e.UserID, now.Sub(e.ReservationExpiry).Round(time.Second))
		if stuck {
			m.promoteNext(ctx, e.StationID)
		}
	}
	return nil
}

// promoteNext hands the station head a fresh reservation. Heads that already
// burned through their auto-promotion budget are expired and the next entry
// is tried instead.
func (m *Monitor) promoteNext(ctx context.Context, stationID string) {
	for {
		active, err := m.store.ListActive(ctx, stationID)
		if err != nil {
			m.log.Errorf("promotion list failed: station=%s err=%v", stationID, err)
			return
		}
		if len(active) == 0 {
			return
		}
		head := active[0]
		if head.Status != model.StatusWaiting {
			return
		}
		if head.Promotions < m.cfg.MaxAutoPromotions {
			if _, _, err := m.alloc.PromoteHead(ctx, stationID, m.cfg.PromotionHold); err != nil {
				m.log.Errorf("auto-promotion failed: station=%s err=%v", stationID, err)
			}
			return
		}
		m.log.Warnf("promotion budget exhausted: station=%s user=%s promotions=%d",
			stationID, head.UserID, head.Promotions)
		if err := m.alloc.Leave(ctx, stationID, head.UserID, model.LeaveExpired); err != nil {
			m.log.Errorf("expire exhausted head failed: station=%s err=%v", stationID, err)
			return
		}
	}
}

// WatchSessions logs charging sessions that overran the station's average
// session length by the configured factor. It never intervenes; operators
// decide what to do with a hogged port.
func (m *Monitor) WatchSessions(ctx context.Context) error {
	now := m.now()
	stations, err := m.store.ListActiveStations(ctx)
	if err != nil {
		return storeErr("list stations", err)
	}
	for _, id := range stations {
		st, ok := m.stations.Station(id)
		if !ok {
			continue
		}
		limit := time.Duration(st.AverageSessionMinutes*m.cfg.SessionOverrunFactor) * time.Minute
		active, err := m.store.ListActive(ctx, id)
		if err != nil {
			m.log.Errorf("session watch list failed: station=%s err=%v", id, err)
			continue
		}
		for _, e := range active {
			if e.Status != model.StatusCharging || e.ReadyAt.IsZero() {
				continue
			}
			if elapsed := now.Sub(e.ReadyAt); elapsed > limit {
				m.log.Warnf("session overrun: station=%s user=%s elapsed=%s limit=%s",
					id, e.UserID, elapsed.Round(time.Minute), limit)
			}
		}
	}
	return nil
}

// CleanupTerminal purges terminal entries older than the retention window.
func (m *Monitor) CleanupTerminal(ctx context.Context) error {
	cutoff := m.now().Add(-m.cfg.TerminalRetention)
	n, err := m.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return storeErr("purge", err)
	}
	if n > 0 {
		m.log.Infof("purged %d terminal entries", n)
	}
	return nil
}

// AvailabilityCheck logs stations with free ports and an empty waiting line,
// the signal the notifier turns into availability alerts.
func (m *Monitor) AvailabilityCheck(ctx context.Context) error {
	for _, st := range m.stations.List() {
		active, err := m.store.ListActive(ctx, st.ID)
		if err != nil {
			m.log.Errorf("availability list failed: station=%s err=%v", st.ID, err)
			continue
		}
		charging := 0
		for _, e := range active {
			if e.Status == model.StatusCharging {
				charging++
			}
		}
		if charging < st.TotalPorts && len(active) == charging {
			m.log.Debugw("station has free ports", map[string]any{
				"station": st.ID, "free": st.TotalPorts - charging,
			})
		}
	}
	return nil
}
