// Package config loads the service configuration from a JSON or YAML file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/voltgrid/chargeq/core/metrics"
	"github.com/voltgrid/chargeq/core/model"
	"github.com/voltgrid/chargeq/core/queue"
	"github.com/voltgrid/chargeq/core/scheduler"
	"github.com/voltgrid/chargeq/infra/mqtt"
)

type Config struct {
	Stations  []model.Station     `json:"stations"`
	Store     StoreConfig         `json:"store"`
	MQTT      mqtt.Config         `json:"mqtt"`
	Metrics   metrics.Config      `json:"metrics"`
	Scheduler SchedulerConfig     `json:"scheduler"`
	Monitor   queue.MonitorConfig `json:"monitor"`
}

// StoreConfig selects the queue persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend       string `json:"backend"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
}

// Validate checks mandatory fields.
func (c StoreConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("unknown store backend %s", c.Backend)
	}
	return nil
}

// SchedulerConfig tunes the maintenance orchestrator.
type SchedulerConfig struct {
	Retry     scheduler.Config `json:"retry"`
	Intervals Intervals        `json:"intervals"`
}

// Intervals sets the tick period of each maintenance process.
type Intervals struct {
	QueueCleanup         time.Duration `json:"queue_cleanup"`
	QueueOptimization    time.Duration `json:"queue_optimization"`
	NotificationDispatch time.Duration `json:"notification_dispatch"`
	AnalyticsRefresh     time.Duration `json:"analytics_refresh"`
	SessionMonitoring    time.Duration `json:"session_monitoring"`
	AvailabilityAlerts   time.Duration `json:"availability_alerts"`
	PerformanceTelemetry time.Duration `json:"performance_telemetry"`
	VerificationCleanup  time.Duration `json:"verification_cleanup"`
}

// SetDefaults applies sane defaults.
func (c *Intervals) SetDefaults() {
	def := func(d *time.Duration, fallback time.Duration) {
		if *d <= 0 {
			*d = fallback
		}
	}
	def(&c.QueueCleanup, time.Minute)
	def(&c.QueueOptimization, 5*time.Minute)
	def(&c.NotificationDispatch, 10*time.Second)
	def(&c.AnalyticsRefresh, time.Minute)
	def(&c.SessionMonitoring, 2*time.Minute)
	def(&c.AvailabilityAlerts, 5*time.Minute)
	def(&c.PerformanceTelemetry, 30*time.Second)
	def(&c.VerificationCleanup, time.Hour)
}

// Load reads the file at path, applies CQ_ environment overrides, then fills
// defaults and validates every section.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides, CQ_STORE__REDIS_ADDR=... styles.
	if err := k.Load(env.Provider("CQ_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "cq_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Store.SetDefaults()
	cfg.MQTT.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.Scheduler.Intervals.SetDefaults()
	cfg.Monitor.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the station list and every section.
func (c Config) Validate() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("at least one station is required")
	}
	seen := make(map[string]bool, len(c.Stations))
	for _, st := range c.Stations {
		if err := st.Validate(); err != nil {
			return err
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate station id %s", st.ID)
		}
		seen[st.ID] = true
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}
