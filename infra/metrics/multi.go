package metrics

import coremetrics "github.com/voltgrid/chargeq/core/metrics"

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordQueueEvent forwards the event to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordQueueEvent(ev coremetrics.QueueEvent) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.RecordQueueEvent(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordTick forwards the event to all sinks.
func (m *MultiSink) RecordTick(ev coremetrics.TickEvent) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.RecordTick(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordTask forwards the event to all sinks.
func (m *MultiSink) RecordTask(ev coremetrics.TaskEvent) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.RecordTask(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordSchedulerStatus forwards the snapshot to all sinks.
func (m *MultiSink) RecordSchedulerStatus(st coremetrics.SchedulerStatus) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.RecordSchedulerStatus(st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
