package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voltgrid/chargeq/core/metrics"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, args ...any)  { l.t.Logf("DEBUG "+format, args...) }
func (l testLogger) Debugw(msg string, _ map[string]any) { l.t.Logf("DEBUG %s", msg) }
func (l testLogger) Infof(format string, args ...any)   { l.t.Logf("INFO "+format, args...) }
func (l testLogger) Warnf(format string, args ...any)   { l.t.Logf("WARN "+format, args...) }
func (l testLogger) Errorf(format string, args ...any)  { l.t.Logf("ERROR "+format, args...) }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// captureSink records everything the orchestrator reports.
type captureSink struct {
	mu    sync.Mutex
	ticks []metrics.TickEvent
	tasks []metrics.TaskEvent
}

func (s *captureSink) RecordQueueEvent(metrics.QueueEvent) error { return nil }

func (s *captureSink) RecordTick(ev metrics.TickEvent) error {
	s.mu.Lock()
	s.ticks = append(s.ticks, ev)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) RecordTask(ev metrics.TaskEvent) error {
	s.mu.Lock()
	s.tasks = append(s.tasks, ev)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) RecordSchedulerStatus(metrics.SchedulerStatus) error { return nil }

func (s *captureSink) taskEvents() []metrics.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.TaskEvent(nil), s.tasks...)
}

func testConfig() Config {
	return Config{BackoffBase: time.Millisecond, BackoffCap: 10 * time.Millisecond}
}

func TestNewValidation(t *testing.T) {
	log := testLogger{t}
	ok := Process{Name: "cleanup", Interval: time.Minute, Handler: func(context.Context) error { return nil }}

	if _, err := New(testConfig(), nil, pinger{}, log, nil); err == nil {
		t.Fatalf("expected error for empty process list")
	}
	if _, err := New(testConfig(), []Process{ok, ok}, pinger{}, log, nil); err == nil {
		t.Fatalf("expected error for duplicate process name")
	}
	bad := ok
	bad.Interval = 0
	if _, err := New(testConfig(), []Process{bad}, pinger{}, log, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := New(testConfig(), []Process{ok}, nil, log, nil); err == nil {
		t.Fatalf("expected error for nil pinger")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	var calls atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name:     "cleanup",
		Interval: 5 * time.Millisecond,
		Handler:  func(context.Context) error { calls.Add(1); return nil },
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	o.Start() // no-op
	time.Sleep(60 * time.Millisecond)
	o.Stop()
	o.Stop() // no-op
	if calls.Load() == 0 {
		t.Fatalf("handler never ran")
	}
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("handler ran after Stop")
	}
}

func TestPeriodicKeepsFiringAfterFailures(t *testing.T) {
	var calls atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name:     "cleanup",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			calls.Add(1)
			return errors.New("boom")
		},
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	defer o.Stop()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() < 3 {
		t.Fatalf("failing handler stalled the schedule: %d runs", calls.Load())
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	var calls atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name:     "cleanup",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			calls.Add(1)
			panic("kaboom")
		},
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	defer o.Stop()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() < 2 {
		t.Fatalf("panicking handler stopped the schedule: %d runs", calls.Load())
	}
}

func TestLimiterSkipsOverlappingTicks(t *testing.T) {
	sink := &captureSink{}
	var inFlight, peak atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name:     "optimize",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			return nil
		},
	}}, pinger{}, testLogger{t}, sink)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	time.Sleep(100 * time.Millisecond)
	o.Stop()
	if got := peak.Load(); got > 1 {
		t.Fatalf("concurrency limit violated: %d simultaneous runs", got)
	}
	sink.mu.Lock()
	skipped := 0
	for _, ev := range sink.ticks {
		if ev.Skipped {
			skipped++
		}
	}
	sink.mu.Unlock()
	if skipped == 0 {
		t.Fatalf("expected skipped ticks while the previous run was active")
	}
}

func TestScheduleTaskValidation(t *testing.T) {
	o, err := New(testConfig(), []Process{{
		Name: "cleanup", Interval: time.Hour,
		Handler: func(context.Context) error { return nil },
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := o.ScheduleTask("cleanup", time.Now(), 1, 0); err == nil {
		t.Fatalf("scheduling on a stopped orchestrator must fail")
	}
	o.Start()
	defer o.Stop()
	if _, err := o.ScheduleTask("unknown", time.Now(), 1, 0); err == nil {
		t.Fatalf("unknown task type must be rejected")
	}
	id, err := o.ScheduleTask("cleanup", time.Now().Add(time.Hour), 1, 0)
	if err != nil || id == "" {
		t.Fatalf("schedule: id=%q err=%v", id, err)
	}
	if st := o.Status(); st.PendingTasks != 1 {
		t.Fatalf("pending = %d, want 1", st.PendingTasks)
	}
}

func TestTaskRetriesThenPermanentFailure(t *testing.T) {
	sink := &captureSink{}
	var attempts atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name: "notify", Interval: time.Hour,
		Handler: func(context.Context) error {
			attempts.Add(1)
			return fmt.Errorf("delivery refused")
		},
	}}, pinger{}, testLogger{t}, sink)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	if _, err := o.ScheduleTask("notify", time.Now(), 3, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Backoff runs at 2ms, 4ms, 8ms with the test config; half a second is
	// more than enough for all four attempts.
	time.Sleep(500 * time.Millisecond)
	o.Stop()

	if got := attempts.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4 (1 initial + 3 retries)", got)
	}
	events := sink.taskEvents()
	if len(events) != 4 {
		t.Fatalf("task events = %d, want 4", len(events))
	}
	for i, ev := range events[:3] {
		if ev.Permanent {
			t.Fatalf("attempt %d marked permanent too early", i+1)
		}
	}
	last := events[3]
	if !last.Permanent || last.Attempt != 4 {
		t.Fatalf("final event = %+v, want permanent attempt 4", last)
	}
	// Dropped for good: nothing more may run.
	time.Sleep(50 * time.Millisecond)
	if attempts.Load() != 4 {
		t.Fatalf("permanently failed task was attempted again")
	}
}

func TestTaskSucceedsOnce(t *testing.T) {
	var attempts atomic.Int64
	o, err := New(testConfig(), []Process{{
		Name: "notify", Interval: time.Hour,
		Handler: func(context.Context) error {
			attempts.Add(1)
			return nil
		},
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	o.Start()
	if _, err := o.ScheduleTask("notify", time.Now(), 3, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	o.Stop()
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want exactly 1", got)
	}
	if st := o.Status(); st.PendingTasks != 0 {
		t.Fatalf("pending = %d, want 0", st.PendingTasks)
	}
}

func TestStatusReportsProcessesAndUptime(t *testing.T) {
	o, err := New(testConfig(), []Process{
		{Name: "cleanup", Interval: time.Hour, Handler: func(context.Context) error { return nil }},
		{Name: "optimize", Interval: time.Hour, Handler: func(context.Context) error { return nil }},
	}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if st := o.Status(); st.Running || st.Uptime != 0 {
		t.Fatalf("stopped status = %+v", st)
	}
	o.Start()
	defer o.Stop()
	st := o.Status()
	if !st.Running {
		t.Fatalf("not running after Start")
	}
	if len(st.Processes) != 2 {
		t.Fatalf("processes = %v", st.Processes)
	}
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	o, err := New(testConfig(), []Process{{
		Name: "cleanup", Interval: time.Hour,
		Handler: func(context.Context) error { return nil },
	}}, pinger{}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.HealthCheck(ctx); err == nil {
		t.Fatalf("stopped orchestrator must be unhealthy")
	}
	o.Start()
	// Give the process loops a moment to arm their tickers.
	time.Sleep(20 * time.Millisecond)
	if err := o.HealthCheck(ctx); err != nil {
		t.Fatalf("running orchestrator unhealthy: %v", err)
	}
	o.Stop()

	bad, err := New(testConfig(), []Process{{
		Name: "cleanup", Interval: time.Hour,
		Handler: func(context.Context) error { return nil },
	}}, pinger{err: errors.New("store down")}, testLogger{t}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bad.Start()
	time.Sleep(20 * time.Millisecond)
	if err := bad.HealthCheck(ctx); err == nil {
		t.Fatalf("unreachable store must fail the health check")
	}
	bad.Stop()
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Minute, time.Hour)
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{6, 64 * time.Minute}, // over the cap
		{50, time.Hour},
	}
	for _, c := range cases {
		got := b(c.retries)
		want := c.want
		if want > time.Hour {
			want = time.Hour
		}
		if got != want {
			t.Errorf("backoff(%d) = %s, want %s", c.retries, got, want)
		}
	}
}

func TestLatencyWindowRolls(t *testing.T) {
	w := newLatencyWindow(3)
	if w.mean() != 0 {
		t.Fatalf("empty window mean should be zero")
	}
	w.add(time.Second)
	w.add(3 * time.Second)
	if got := w.mean(); got != 2*time.Second {
		t.Fatalf("mean = %s, want 2s", got)
	}
	w.add(2 * time.Second)
	w.add(10 * time.Second) // evicts the 1s sample
	if got := w.mean(); got != 5*time.Second {
		t.Fatalf("rolled mean = %s, want 5s", got)
	}
}

func TestTaskHeapOrdering(t *testing.T) {
	base := time.Now()
	h := &taskHeap{}
	push := func(id string, at time.Time, prio int) {
		*h = append(*h, &Task{ID: id, ScheduledTime: at, Priority: prio})
	}
	push("late", base.Add(time.Hour), 9)
	push("early-low", base, 1)
	push("early-high", base, 5)
	heap.Init(h)

	want := []string{"early-high", "early-low", "late"}
	for _, id := range want {
		got := heap.Pop(h).(*Task)
		if got.ID != id {
			t.Fatalf("pop = %s, want %s", got.ID, id)
		}
	}
}
