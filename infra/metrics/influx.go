package metrics

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/voltgrid/chargeq/core/logger"
	coremetrics "github.com/voltgrid/chargeq/core/metrics"
	infralogger "github.com/voltgrid/chargeq/infra/logger"
)

// InfluxSink writes queue and scheduler events to InfluxDB. It is the
// analytics collaborator: writes are fire and forget and never feed back
// into queue decisions.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(cfg coremetrics.Config) *InfluxSink {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails, so a dead analytics backend never blocks
// startup.
func NewInfluxSinkWithFallback(cfg coremetrics.Config) coremetrics.Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordQueueEvent writes the transition as a point.
func (s *InfluxSink) RecordQueueEvent(ev coremetrics.QueueEvent) error {
	p := write.NewPointWithMeasurement("queue_event").
		AddTag("station_id", ev.StationID).
		AddTag("kind", ev.Kind).
		AddField("user_id", ev.UserID).
		AddField("position", ev.Position).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordTick writes one maintenance run.
func (s *InfluxSink) RecordTick(ev coremetrics.TickEvent) error {
	p := write.NewPointWithMeasurement("maintenance_tick").
		AddTag("process", ev.Process).
		AddTag("skipped", strconv.FormatBool(ev.Skipped)).
		AddField("duration_ms", ev.Duration.Milliseconds()).
		AddField("error", ev.Error).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordTask writes one deferred task attempt.
func (s *InfluxSink) RecordTask(ev coremetrics.TaskEvent) error {
	p := write.NewPointWithMeasurement("deferred_task").
		AddTag("type", ev.Type).
		AddTag("permanent", strconv.FormatBool(ev.Permanent)).
		AddField("task_id", ev.TaskID).
		AddField("attempt", ev.Attempt).
		AddField("error", ev.Error).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordSchedulerStatus writes an orchestrator snapshot.
func (s *InfluxSink) RecordSchedulerStatus(st coremetrics.SchedulerStatus) error {
	p := write.NewPointWithMeasurement("scheduler_status").
		AddField("running", st.Running).
		AddField("uptime_s", st.Uptime.Seconds()).
		AddField("pending_tasks", st.PendingTasks).
		AddField("avg_latency_ms", st.AvgLatency.Milliseconds()).
		AddField("live_processes", st.LiveProcesses).
		SetTime(time.Now())
	return s.write(p)
}
