// Package app assembles the queue coordinator from its configuration.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voltgrid/chargeq/config"
	coremetrics "github.com/voltgrid/chargeq/core/metrics"
	"github.com/voltgrid/chargeq/core/model"
	"github.com/voltgrid/chargeq/core/queue"
	"github.com/voltgrid/chargeq/core/scheduler"
	"github.com/voltgrid/chargeq/infra/logger"
	"github.com/voltgrid/chargeq/infra/metrics"
	"github.com/voltgrid/chargeq/infra/mqtt"
	"github.com/voltgrid/chargeq/infra/redisstore"
	"github.com/voltgrid/chargeq/internal/eventbus"
)

// Process names known to the orchestrator. ScheduleTask accepts the same
// names for one-off runs.
const (
	ProcQueueCleanup         = "queue_cleanup"
	ProcQueueOptimization    = "queue_optimization"
	ProcNotificationDispatch = "notification_dispatch"
	ProcAnalyticsRefresh     = "analytics_refresh"
	ProcSessionMonitoring    = "session_monitoring"
	ProcAvailabilityAlerts   = "availability_alerts"
	ProcPerformanceTelemetry = "performance_telemetry"
	ProcVerificationCleanup  = "verification_cleanup"
)

// Service wires the allocator, expiry monitor and maintenance orchestrator.
type Service struct {
	Allocator *queue.Allocator
	Monitor   *queue.Monitor
	Scheduler *scheduler.Orchestrator
	Stations  *model.MemoryDirectory

	cfg      *config.Config
	log      logger.Logger
	bus      *eventbus.Bus
	store    queue.Store
	notifier *mqtt.Notifier
	sink     coremetrics.Sink
	rdb      *redis.Client
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	svc := &Service{cfg: cfg, log: logger.New("service")}

	svc.Stations = model.NewMemoryDirectory(cfg.Stations...)

	switch cfg.Store.Backend {
	case "redis":
		svc.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		svc.store = redisstore.New(svc.rdb)
	default:
		svc.store = queue.NewMemoryStore()
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Metrics))
	}
	switch len(sinks) {
	case 0:
		svc.sink = coremetrics.NopSink{}
	case 1:
		svc.sink = sinks[0]
	default:
		svc.sink = metrics.NewMultiSink(sinks...)
	}

	svc.bus = eventbus.New()

	alloc, err := queue.NewAllocator(svc.store, svc.Stations, svc.bus, logger.New("allocator"), svc.sink)
	if err != nil {
		return nil, fmt.Errorf("allocator: %w", err)
	}
	svc.Allocator = alloc
	svc.Monitor = queue.NewMonitor(cfg.Monitor, alloc, svc.Stations, logger.New("monitor"))

	if cfg.MQTT.Broker != "" {
		notifier, err := mqtt.New(cfg.MQTT, logger.New("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt notifier: %w", err)
		}
		notifier.Watch(svc.bus)
		svc.notifier = notifier
	}

	orch, err := scheduler.New(cfg.Scheduler.Retry, svc.processes(), svc.store, logger.New("scheduler"), svc.sink)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	svc.Scheduler = orch
	return svc, nil
}

// processes builds the maintenance registry. The telemetry handler reads
// Service.Scheduler at tick time, after New has set it.
func (s *Service) processes() []scheduler.Process {
	iv := s.cfg.Scheduler.Intervals
	escalate := scheduler.EscalatePolicy{Log: s.log}
	return []scheduler.Process{
		{Name: ProcQueueCleanup, Interval: iv.QueueCleanup, Handler: s.Monitor.Sweep, Policy: escalate},
		{Name: ProcQueueOptimization, Interval: iv.QueueOptimization, Handler: s.Allocator.RebalanceAll},
		{Name: ProcNotificationDispatch, Interval: iv.NotificationDispatch, Handler: s.dispatchNotifications},
		{Name: ProcAnalyticsRefresh, Interval: iv.AnalyticsRefresh, Handler: s.refreshAnalytics},
		{Name: ProcSessionMonitoring, Interval: iv.SessionMonitoring, Handler: s.Monitor.WatchSessions},
		{Name: ProcAvailabilityAlerts, Interval: iv.AvailabilityAlerts, Handler: s.Monitor.AvailabilityCheck},
		{Name: ProcPerformanceTelemetry, Interval: iv.PerformanceTelemetry, Handler: s.pushTelemetry},
		{Name: ProcVerificationCleanup, Interval: iv.VerificationCleanup, Handler: s.Monitor.CleanupTerminal, Policy: escalate},
	}
}

func (s *Service) dispatchNotifications(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	sent, err := s.notifier.Flush(ctx)
	if sent > 0 {
		s.log.Debugf("dispatched %d notifications", sent)
	}
	return err
}

// refreshAnalytics snapshots every station with active entries. The metric
// sinks already see individual queue events; this keeps a periodic depth
// reading alongside them.
func (s *Service) refreshAnalytics(ctx context.Context) error {
	ids, err := s.store.ListActiveStations(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := s.Allocator.Stats(ctx, id, "")
		if err != nil {
			return err
		}
		s.log.Debugw("queue depth", map[string]any{
			"station":      st.StationID,
			"waiting":      st.TotalWaiting,
			"active":       st.ActiveCount,
			"avg_wait_min": st.AverageWaitMinutes,
		})
	}
	return nil
}

func (s *Service) pushTelemetry(context.Context) error {
	return s.sink.RecordSchedulerStatus(s.Scheduler.Telemetry())
}

// Run starts the orchestrator and, when enabled, the metrics endpoint. It
// blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.Scheduler.Start()
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartServer(ctx, s.cfg.Metrics.PrometheusAddr, s.Scheduler, s, logger.New("metrics")); err != nil {
				s.log.Errorf("metrics server: %v", err)
			}
		}()
	}
	s.log.Infof("queue coordinator running with %d stations", len(s.cfg.Stations))
	<-ctx.Done()
	return nil
}

// StatusPayload serves the /status endpoint.
func (s *Service) StatusPayload() any { return s.Scheduler.Status() }

// HealthCheck delegates to the orchestrator, which also pings the store.
func (s *Service) HealthCheck(ctx context.Context) error { return s.Scheduler.HealthCheck(ctx) }

// Close stops the orchestrator, drains the notifier and releases the store.
func (s *Service) Close() error {
	s.Scheduler.Stop()
	s.bus.Close()
	if s.notifier != nil {
		if _, err := s.notifier.Flush(context.Background()); err != nil {
			s.log.Warnf("final notification flush: %v", err)
		}
		s.notifier.Close()
	}
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
