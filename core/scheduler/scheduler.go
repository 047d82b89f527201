package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/voltgrid/chargeq/core/logger"
	"github.com/voltgrid/chargeq/core/metrics"
)

// Handler is one unit of maintenance work.
type Handler func(ctx context.Context) error

// Process describes a periodic maintenance category.
type Process struct {
	Name        string
	Interval    time.Duration
	Concurrency int64
	Policy      FailurePolicy
	Handler     Handler
}

// Pinger probes the persistence layer for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Orchestrator runs the registered processes on their intervals and executes
// deferred one-off tasks, each category bounded by its own counting
// semaphore.
type Orchestrator struct {
	cfg    Config
	procs  []Process
	byName map[string]*Process
	sems   map[string]*semaphore.Weighted

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	tasks     taskHeap
	taskWake  chan struct{}

	wg         sync.WaitGroup
	liveTimers atomic.Int64
	lat        *latencyWindow

	pinger Pinger
	log    logger.Logger
	sink   metrics.Sink
	now    func() time.Time

	backoff BackoffFunc
	// semRetry is how long a due task waits when its category limiter is
	// saturated. This is a deferral, not a retry; the attempt counter is
	// untouched.
	semRetry time.Duration
}

// New creates an orchestrator for the given processes.
func New(cfg Config, procs []Process, pinger Pinger, log logger.Logger, sink metrics.Sink) (*Orchestrator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("scheduler: no processes registered")
	}
	if pinger == nil || log == nil {
		return nil, fmt.Errorf("scheduler: nil parameter provided to New")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		byName:   make(map[string]*Process, len(procs)),
		sems:     make(map[string]*semaphore.Weighted, len(procs)),
		taskWake: make(chan struct{}, 1),
		lat:      newLatencyWindow(cfg.LatencyWindow),
		pinger:   pinger,
		log:      log,
		sink:     sink,
		now:      time.Now,
		backoff:  ExponentialBackoff(cfg.BackoffBase, cfg.BackoffCap),
		semRetry: 5 * time.Second,
	}
	// Preallocate so byName pointers into the slice stay valid.
	o.procs = make([]Process, 0, len(procs))
	for i := range procs {
		p := procs[i]
		if p.Name == "" || p.Handler == nil {
			return nil, fmt.Errorf("scheduler: process %d missing name or handler", i)
		}
		if p.Interval <= 0 {
			return nil, fmt.Errorf("scheduler: process %s needs a positive interval", p.Name)
		}
		if _, dup := o.byName[p.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate process %s", p.Name)
		}
		if p.Concurrency <= 0 {
			p.Concurrency = 1
		}
		if p.Policy == nil {
			p.Policy = LogPolicy{Log: log}
		}
		o.procs = append(o.procs, p)
		o.byName[p.Name] = &o.procs[len(o.procs)-1]
		o.sems[p.Name] = semaphore.NewWeighted(p.Concurrency)
	}
	heap.Init(&o.tasks)
	return o, nil
}

// Start arms every process interval and the task dispatcher. Calling it on a
// running orchestrator is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true
	o.startedAt = o.now()
	for i := range o.procs {
		o.wg.Add(1)
		go o.runProcess(ctx, &o.procs[i])
	}
	o.wg.Add(1)
	go o.runTasks(ctx)
	o.log.Infof("orchestrator started with %d processes", len(o.procs))
}

// Stop disarms all timers and waits for in-flight work to drain. Handlers are
// never interrupted; only future scheduling is disabled. Calling it on a
// stopped orchestrator is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
	o.log.Infof("orchestrator stopped")
}

func (o *Orchestrator) runProcess(ctx context.Context, p *Process) {
	defer o.wg.Done()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	o.liveTimers.Add(1)
	defer o.liveTimers.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchTick(ctx, p)
		}
	}
}

// dispatchTick runs one handler invocation under the process limiter. A tick
// that cannot acquire the limiter is skipped outright rather than queued, so
// a slow run never stacks duplicates behind itself.
func (o *Orchestrator) dispatchTick(ctx context.Context, p *Process) {
	sem := o.sems[p.Name]
	if !sem.TryAcquire(1) {
		o.log.Debugw("tick skipped, previous run still active", map[string]any{"process": p.Name})
		o.recordTick(metrics.TickEvent{Process: p.Name, Skipped: true, Time: o.now()})
		return
	}
	o.wg.Add(1)
	// In-flight work survives Stop; the handler context outlives the loop.
	hctx := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		defer sem.Release(1)
		o.execute(hctx, p)
	}()
}

// execute runs the handler once, records latency and routes any failure
// through the process policy. Errors never escape: the next tick fires no
// matter what happened here.
func (o *Orchestrator) execute(ctx context.Context, p *Process) {
	start := o.now()
	err := safeCall(ctx, p.Handler)
	d := o.now().Sub(start)
	o.lat.add(d)
	ev := metrics.TickEvent{Process: p.Name, Duration: d, Time: o.now()}
	if err != nil {
		ev.Error = err.Error()
		p.Policy.OnError(p.Name, err)
	}
	o.recordTick(ev)
}

// ScheduleTask registers a one-off deferred task of the given maintenance
// category and returns its id. Scheduling is refused while the orchestrator
// is stopped.
func (o *Orchestrator) ScheduleTask(taskType string, at time.Time, maxRetries, priority int) (string, error) {
	if _, ok := o.byName[taskType]; !ok {
		return "", fmt.Errorf("scheduler: unknown task type %s", taskType)
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("scheduler: negative retry budget")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return "", fmt.Errorf("scheduler: not running")
	}
	t := &Task{
		ID:            uuid.NewString(),
		Type:          taskType,
		ScheduledTime: at,
		MaxRetries:    maxRetries,
		Priority:      priority,
	}
	heap.Push(&o.tasks, t)
	o.wake()
	o.log.Debugw("task scheduled", map[string]any{
		"id": t.ID, "type": taskType, "at": at, "max_retries": maxRetries,
	})
	return t.ID, nil
}

func (o *Orchestrator) wake() {
	select {
	case o.taskWake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) runTasks(ctx context.Context) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		wait := time.Hour
		if t := o.tasks.peek(); t != nil {
			wait = t.ScheduledTime.Sub(o.now())
			if wait < 0 {
				wait = 0
			}
		}
		o.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.taskWake:
			timer.Stop()
		case <-timer.C:
			o.dispatchDue(ctx)
		}
	}
}

// dispatchDue pops every due task and runs it under its category limiter. A
// saturated limiter defers the task briefly without consuming a retry.
func (o *Orchestrator) dispatchDue(ctx context.Context) {
	now := o.now()
	for {
		o.mu.Lock()
		t := o.tasks.peek()
		if t == nil || t.ScheduledTime.After(now) {
			o.mu.Unlock()
			return
		}
		heap.Pop(&o.tasks)
		o.mu.Unlock()

		sem := o.sems[t.Type]
		if !sem.TryAcquire(1) {
			o.requeue(t, now.Add(o.semRetry))
			continue
		}
		o.wg.Add(1)
		hctx := context.WithoutCancel(ctx)
		go func(t *Task) {
			defer o.wg.Done()
			defer sem.Release(1)
			o.attempt(hctx, t)
		}(t)
	}
}

// attempt runs the task handler once. On failure the task is requeued with
// exponential backoff until the retry budget is spent, after which it is
// dropped for good.
func (o *Orchestrator) attempt(ctx context.Context, t *Task) {
	p := o.byName[t.Type]
	err := safeCall(ctx, p.Handler)
	ev := metrics.TaskEvent{
		TaskID: t.ID, Type: t.Type,
		Attempt: t.Retries + 1, Time: o.now(),
	}
	if err == nil {
		o.recordTask(ev)
		return
	}
	ev.Error = err.Error()
	if t.Retries >= t.MaxRetries {
		ev.Permanent = true
		o.recordTask(ev)
		o.log.Errorf("task %s (%s) permanently failed after %d attempts: %v",
			t.ID, t.Type, t.Retries+1, err)
		return
	}
	t.Retries++
	delay := o.backoff(t.Retries)
	o.recordTask(ev)
	o.log.Warnf("task %s (%s) attempt %d failed, retrying in %s: %v",
		t.ID, t.Type, t.Retries, delay, err)
	o.requeue(t, o.now().Add(delay))
}

func (o *Orchestrator) requeue(t *Task, at time.Time) {
	t.ScheduledTime = at
	o.mu.Lock()
	// A requeue races with Stop; a task pushed after the dispatcher exited
	// is simply dropped with the rest of the heap.
	heap.Push(&o.tasks, t)
	o.wake()
	o.mu.Unlock()
}

// Status is a point-in-time report of the orchestrator.
type Status struct {
	Running           bool          `json:"running"`
	Uptime            time.Duration `json:"uptime"`
	Processes         []string      `json:"processes"`
	PendingTasks      int           `json:"pending_tasks"`
	AvgHandlerLatency time.Duration `json:"avg_handler_latency"`
}

// Status reports the running flag, uptime, registered process names, pending
// task count and the rolling average handler latency.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:           o.running,
		PendingTasks:      o.tasks.Len(),
		AvgHandlerLatency: o.lat.mean(),
	}
	if o.running {
		st.Uptime = o.now().Sub(o.startedAt)
	}
	for _, p := range o.procs {
		st.Processes = append(st.Processes, p.Name)
	}
	return st
}

// HealthCheck reports nil only when the orchestrator is running, every
// process timer is live, and the persistence layer answers a liveness probe.
// Telemetry returns the snapshot the performance telemetry process pushes to
// the metric sinks.
func (o *Orchestrator) Telemetry() metrics.SchedulerStatus {
	st := o.Status()
	return metrics.SchedulerStatus{
		Running:        st.Running,
		Uptime:         st.Uptime,
		PendingTasks:   st.PendingTasks,
		AvgLatency:     st.AvgHandlerLatency,
		LiveProcesses:  int(o.liveTimers.Load()),
		TotalProcesses: len(o.procs),
	}
}

func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return fmt.Errorf("orchestrator not running")
	}
	if live := o.liveTimers.Load(); live != int64(len(o.procs)) {
		return fmt.Errorf("only %d of %d process timers live", live, len(o.procs))
	}
	if err := o.pinger.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (o *Orchestrator) recordTick(ev metrics.TickEvent) {
	if err := o.sink.RecordTick(ev); err != nil {
		o.log.Errorf("tick metrics error: %v", err)
	}
}

func (o *Orchestrator) recordTask(ev metrics.TaskEvent) {
	if err := o.sink.RecordTask(ev); err != nil {
		o.log.Errorf("task metrics error: %v", err)
	}
}

// safeCall shields the scheduler from panicking handlers.
func safeCall(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx)
}
