package metrics

import (
	"time"
)

// QueueEvent represents one allocator or rebalancer action to be recorded.
type QueueEvent struct {
	StationID string
	UserID    string
	Kind      string // joined, left, reserved, charging, completed, expired, promoted, rebalanced
	Position  int
	Time      time.Time
}

// QueueRecorder records queue state transitions for observability purposes.
type QueueRecorder interface {
	RecordQueueEvent(ev QueueEvent) error
}

// TickEvent captures one run of a periodic maintenance handler.
type TickEvent struct {
	Process  string
	Duration time.Duration
	Skipped  bool
	Error    string
	Time     time.Time
}

// TickRecorder records maintenance handler runs.
type TickRecorder interface {
	RecordTick(ev TickEvent) error
}

// TaskEvent captures one attempt of a deferred one-off task.
type TaskEvent struct {
	TaskID    string
	Type      string
	Attempt   int
	Permanent bool
	Error     string
	Time      time.Time
}

// TaskRecorder records one-off task attempts and permanent failures.
type TaskRecorder interface {
	RecordTask(ev TaskEvent) error
}

// SchedulerStatus is a snapshot of the orchestrator pushed by the telemetry
// process.
type SchedulerStatus struct {
	Running        bool
	Uptime         time.Duration
	PendingTasks   int
	AvgLatency     time.Duration
	LiveProcesses  int
	TotalProcesses int
}

// StatusRecorder records orchestrator snapshots.
type StatusRecorder interface {
	RecordSchedulerStatus(st SchedulerStatus) error
}

// Sink aggregates all recorders. Implementations that cannot serve a recorder
// should no-op rather than fail.
type Sink interface {
	QueueRecorder
	TickRecorder
	TaskRecorder
	StatusRecorder
}

// NopSink implements Sink with no-op methods.
type NopSink struct{}

func (NopSink) RecordQueueEvent(QueueEvent) error           { return nil }
func (NopSink) RecordTick(TickEvent) error                  { return nil }
func (NopSink) RecordTask(TaskEvent) error                  { return nil }
func (NopSink) RecordSchedulerStatus(SchedulerStatus) error { return nil }
