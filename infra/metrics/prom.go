package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/voltgrid/chargeq/core/metrics"
)

// PromSink records queue and scheduler events in Prometheus metrics.
type PromSink struct {
	queueEvents  *prometheus.CounterVec
	tickLatency  *prometheus.HistogramVec
	tickSkips    *prometheus.CounterVec
	taskAttempts *prometheus.CounterVec
	pendingTasks prometheus.Gauge
	avgLatency   prometheus.Gauge
}

// NewPromSink registers the collectors on the provided Prometheus registerer.
// If reg is nil, the default registerer is used. Collectors that are already
// registered are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeq_queue_events_total",
			Help: "Total number of queue state transitions",
		}, []string{"station_id", "kind"}),
		tickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chargeq_maintenance_duration_seconds",
			Help:    "Duration of maintenance handler runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"process", "failed"}),
		tickSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeq_maintenance_skips_total",
			Help: "Ticks skipped because the previous run was still active",
		}, []string{"process"}),
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeq_task_attempts_total",
			Help: "One-off task attempts by outcome",
		}, []string{"type", "outcome"}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeq_pending_tasks",
			Help: "Deferred tasks waiting to run",
		}),
		avgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chargeq_handler_latency_avg_seconds",
			Help: "Rolling average maintenance handler latency",
		}),
	}
	var err error
	if s.queueEvents, err = registerCounterVec(reg, s.queueEvents); err != nil {
		return nil, err
	}
	if s.tickLatency, err = registerHistogramVec(reg, s.tickLatency); err != nil {
		return nil, err
	}
	if s.tickSkips, err = registerCounterVec(reg, s.tickSkips); err != nil {
		return nil, err
	}
	if s.taskAttempts, err = registerCounterVec(reg, s.taskAttempts); err != nil {
		return nil, err
	}
	if s.pendingTasks, err = registerGauge(reg, s.pendingTasks); err != nil {
		return nil, err
	}
	if s.avgLatency, err = registerGauge(reg, s.avgLatency); err != nil {
		return nil, err
	}
	return s, nil
}

// register helpers reuse the existing collector when one with the same name
// is already registered.

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func registerHistogramVec(reg prometheus.Registerer, c *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec), nil
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, c prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge), nil
		}
		return nil, err
	}
	return c, nil
}

// RecordQueueEvent increments the transition counter.
func (s *PromSink) RecordQueueEvent(ev coremetrics.QueueEvent) error {
	s.queueEvents.WithLabelValues(ev.StationID, ev.Kind).Inc()
	return nil
}

// RecordTick observes handler latency or counts a skipped tick.
func (s *PromSink) RecordTick(ev coremetrics.TickEvent) error {
	if ev.Skipped {
		s.tickSkips.WithLabelValues(ev.Process).Inc()
		return nil
	}
	failed := strconv.FormatBool(ev.Error != "")
	s.tickLatency.WithLabelValues(ev.Process, failed).Observe(ev.Duration.Seconds())
	return nil
}

// RecordTask counts the attempt by outcome.
func (s *PromSink) RecordTask(ev coremetrics.TaskEvent) error {
	outcome := "success"
	switch {
	case ev.Permanent:
		outcome = "permanent_failure"
	case ev.Error != "":
		outcome = "retry"
	}
	s.taskAttempts.WithLabelValues(ev.Type, outcome).Inc()
	return nil
}

// RecordSchedulerStatus updates the orchestrator gauges.
func (s *PromSink) RecordSchedulerStatus(st coremetrics.SchedulerStatus) error {
	s.pendingTasks.Set(float64(st.PendingTasks))
	s.avgLatency.Set(st.AvgLatency.Seconds())
	return nil
}
