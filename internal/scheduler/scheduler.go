// Package scheduler runs the cycle loop: it evaluates task conditions against
// the run history, launches admitted instances, records their outcomes and
// terminates them when their end condition holds or the scheduler shuts down.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/condsched/internal/backend"
	"github.com/loykin/condsched/internal/condition"
	"github.com/loykin/condsched/internal/eventloop"
	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/metrics"
	"github.com/loykin/condsched/internal/pool"
	"github.com/loykin/condsched/internal/task"
)

// Phase is the lifecycle state of a scheduler.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

type entry struct {
	task     task.Task
	seq      int
	disabled atomic.Bool
}

// Scheduler owns a task set, its history log and its resource pool.
type Scheduler struct {
	cfg      Config
	log      *history.Log
	loop     *eventloop.Loop
	backends backend.Set
	pool     *pool.Pool
	now      func() time.Time
	warn     *rate.Limiter
	output   func(task string) (io.Writer, io.Writer)
	clockSet bool

	phase    atomic.Int32
	cycles   atomic.Int64
	instant  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	tasks     map[string]*entry
	ordered   []*entry // priority desc, registration order on ties
	live      map[string][]*Instance
	startedAt time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithHistory makes the scheduler record into l instead of a fresh log.
func WithHistory(l *history.Log) Option { return func(s *Scheduler) { s.log = l } }

// WithBackends replaces the default backends, for example in tests.
func WithBackends(b backend.Set) Option { return func(s *Scheduler) { s.backends = b } }

// WithProcessOutput routes stdout and stderr of process tasks; see
// backend.Process.Output. Ignored together with WithBackends.
func WithProcessOutput(fn func(task string) (io.Writer, io.Writer)) Option {
	return func(s *Scheduler) { s.output = fn }
}

// WithClock overrides the time source used for conditions and records.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.clockSet = true
	}
}

// New validates cfg and returns an idle scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	cfg.applyDefaults()
	if err := condition.Validate(cfg.ShutCond, false); err != nil {
		return nil, fmt.Errorf("%w: shut_cond: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxProcessCount < 0 {
		return nil, fmt.Errorf("%w: max_process_count must be >= 0", ErrInvalidConfig)
	}
	s := &Scheduler{
		cfg:    cfg,
		loop:   eventloop.New(),
		now:    time.Now,
		warn:   rate.NewLimiter(rate.Every(10*time.Second), 1),
		stopCh: make(chan struct{}),
		tasks:  make(map[string]*entry),
		live:   make(map[string][]*Instance),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = history.NewLog()
		s.log.SetClock(s.now)
	} else if s.clockSet {
		s.log.SetClock(s.now)
	}
	if s.backends == nil {
		s.backends = backend.NewSet(s.loop, backend.Options{KillGrace: cfg.KillGrace, Output: s.output})
	}
	s.pool = pool.New(cfg.MaxProcessCount, cfg.Limits)
	s.instant.Store(cfg.InstantShutdown)
	return s, nil
}

// Register adds a task. Configuration problems are reported here, never
// during a cycle.
func (s *Scheduler) Register(t task.Task) error {
	if err := t.Resolve(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.Mode == task.ModeProcess && t.Command == "" {
		if _, ok := task.Lookup(t.FuncName); !ok {
			return fmt.Errorf("%w: task %q: func %q is not registered", ErrInvalidTask, t.Name, t.FuncName)
		}
	}
	if _, ok := s.backends[t.Mode]; !ok {
		return fmt.Errorf("%w: task %q: no backend for mode %q", ErrInvalidTask, t.Name, t.Mode)
	}
	if s.Phase() >= PhaseShuttingDown {
		return fmt.Errorf("%w: task %q: scheduler is %s", ErrInvalidTask, t.Name, s.Phase())
	}
	if t.EndCond == nil {
		t.EndCond = condition.AlwaysFalse
	}
	if t.StartCond == nil {
		t.StartCond = condition.AlwaysFalse
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
	}
	e := &entry{task: t, seq: len(s.tasks)}
	e.disabled.Store(t.Disabled)
	s.tasks[t.Name] = e
	s.ordered = append(s.ordered, e)
	sort.SliceStable(s.ordered, func(i, j int) bool {
		a, b := s.ordered[i], s.ordered[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		return a.seq < b.seq
	})
	slog.Debug("Task registered", "task", t.Name, "mode", t.Mode, "priority", t.Priority)
	return nil
}

// SetDisabled toggles whether a task may be launched.
func (s *Scheduler) SetDisabled(name string, disabled bool) error {
	s.mu.RLock()
	e, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if e.disabled.Swap(disabled) != disabled {
		slog.Info("Task toggled", "task", name, "disabled", disabled)
	}
	return nil
}

// SetInstantShutdown changes the shutdown mode; it takes effect if changed
// before shutdown begins.
func (s *Scheduler) SetInstantShutdown(v bool) { s.instant.Store(v) }

// Run executes cycles until ShutCond holds, Stop is called or ctx is done,
// then shuts down. It returns once the scheduler is stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	s.startedAt = s.now()
	n := len(s.ordered)
	s.mu.Unlock()

	// Instances outlive cancellation of ctx; shutdown terminates them.
	base := context.WithoutCancel(ctx)
	slog.Info("Scheduler started", "tasks", n, "max_process_count", s.cfg.MaxProcessCount, "instant_shutdown", s.instant.Load())

	for {
		if s.stopRequested(ctx) {
			slog.Info("Scheduler stop requested")
			break
		}
		if condition.Evaluate(s.cfg.ShutCond, s.state("")) {
			slog.Info("Shutdown condition met", "condition", s.cfg.ShutCond.String(), "cycles", s.cycles.Load())
			break
		}
		s.cycle(base)
		s.yield(ctx)
	}

	s.phase.Store(int32(PhaseShuttingDown))
	s.shutdown(base)
	s.phase.Store(int32(PhaseStopped))
	slog.Info("Scheduler stopped", "cycles", s.cycles.Load(), "uptime", s.Uptime())
	return nil
}

// Stop asks a running scheduler to shut down. It does not wait.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Scheduler) state(taskName string) condition.State {
	s.mu.RLock()
	started := s.startedAt
	s.mu.RUnlock()
	return condition.State{
		History:   s.log,
		Cycles:    s.cycles.Load(),
		StartedAt: started,
		Now:       s.now(),
		Task:      taskName,
	}
}

func (s *Scheduler) snapshotOrder() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*entry(nil), s.ordered...)
}

// cycle runs one admission, poll and termination pass.
func (s *Scheduler) cycle(ctx context.Context) {
	s.cycles.Add(1)
	metrics.IncCycle()

	for _, e := range s.snapshotOrder() {
		t := &e.task
		if t.OnShutdown || e.disabled.Load() {
			continue
		}
		if !t.Multilaunch && s.NAlive(t.Name) > 0 {
			continue
		}
		if !condition.Evaluate(t.StartCond, s.state(t.Name)) {
			continue
		}
		if !s.pool.Admit(t.Mode) {
			metrics.IncAdmissionRefusal(t.Name, string(t.Mode))
			if s.warn.Allow() {
				slog.Warn("Task not admitted, pool is full", "task", t.Name, "mode", t.Mode, "live", s.pool.Count(t.Mode))
			}
			continue
		}
		s.launch(ctx, e)
	}

	s.poll()

	for _, e := range s.snapshotOrder() {
		insts := s.liveOf(e.task.Name)
		if len(insts) == 0 {
			continue
		}
		if condition.Evaluate(e.task.EndCond, s.state(e.task.Name)) {
			for _, inst := range insts {
				s.requestTermination(inst)
			}
		}
	}
	metrics.SetFreeProcessSlots(s.cfg.MaxProcessCount - s.pool.Count(task.ModeProcess))
}

// yield lets async instances run one round, then pauses until the next cycle.
func (s *Scheduler) yield(ctx context.Context) {
	s.loop.RunOnce()
	if s.cfg.CycleSleep < 0 {
		return
	}
	t := time.NewTimer(s.cfg.CycleSleep)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

// launch starts an instance of e. The run record is written before the
// backend is called, so a main task observes its own start.
func (s *Scheduler) launch(ctx context.Context, e *entry) *Instance {
	t := e.task
	inst := newInstance(t, s.now())
	s.pool.Acquire(t.Mode)
	s.log.Append(t.Name, history.ActionRun, inst.ID, "")
	metrics.IncLaunch(t.Name, string(t.Mode))

	s.mu.Lock()
	s.live[t.Name] = append(s.live[t.Name], inst)
	n := len(s.live[t.Name])
	s.mu.Unlock()
	metrics.SetLiveInstances(t.Name, n)
	slog.Debug("Task launched", "task", t.Name, "instance", inst.ID, "mode", t.Mode)

	h, err := s.backends.Launch(ctx, t)
	if err != nil {
		slog.Error("Task launch failed", "task", t.Name, "instance", inst.ID, "error", err)
		h = failedLaunch{err: err}
	}
	s.mu.Lock()
	inst.handle = h
	s.mu.Unlock()
	return inst
}

type failedLaunch struct{ err error }

func (failedLaunch) Alive() bool { return false }
func (failedLaunch) Terminate()  {}
func (f failedLaunch) Outcome() backend.Outcome {
	return backend.Outcome{Status: backend.StatusFail, Err: f.err.Error()}
}
func (failedLaunch) PID() int { return 0 }

// poll records every instance that has died since the last poll.
func (s *Scheduler) poll() {
	for _, inst := range s.allLive() {
		h := inst.handle
		if h == nil || h.Alive() {
			continue
		}
		s.finish(inst)
	}
}

func (s *Scheduler) finish(inst *Instance) {
	out := inst.handle.Outcome()
	action, exc := inst.action(out)
	s.log.Append(inst.Task, action, inst.ID, exc)

	s.mu.Lock()
	list := s.live[inst.Task]
	for i, x := range list {
		if x == inst {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.live, inst.Task)
	} else {
		s.live[inst.Task] = list
	}
	n := len(list)
	s.mu.Unlock()
	s.pool.Release(inst.Mode)

	metrics.IncOutcome(inst.Task, string(action))
	metrics.SetLiveInstances(inst.Task, n)
	metrics.ObserveRunDuration(inst.Task, s.now().Sub(inst.StartedAt).Seconds())

	attrs := []any{"task", inst.Task, "instance", inst.ID, "action", action}
	switch action {
	case history.ActionFail:
		slog.Warn("Task failed", append(attrs, "error", exc)...)
	case history.ActionCrash:
		slog.Error("Task crashed", append(attrs, "error", exc)...)
	case history.ActionTerminate:
		slog.Info("Task terminated", attrs...)
	default:
		slog.Debug("Task finished", attrs...)
	}
}

// requestTermination marks inst terminating and asks its backend to stop
// it. Repeated requests are no-ops; the terminate record is written once
// the instance is observed dead.
func (s *Scheduler) requestTermination(inst *Instance) {
	s.mu.Lock()
	if inst.terminating {
		s.mu.Unlock()
		return
	}
	inst.terminating = true
	h := inst.handle
	s.mu.Unlock()

	metrics.IncTerminationRequest(inst.Task)
	slog.Info("Terminating task instance", "task", inst.Task, "instance", inst.ID, "mode", inst.Mode)
	if h != nil {
		h.Terminate()
	}
}

func (s *Scheduler) liveOf(name string) []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Instance(nil), s.live[name]...)
}

// allLive returns live instances in task priority order, then launch order.
func (s *Scheduler) allLive() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, e := range s.ordered {
		out = append(out, s.live[e.task.Name]...)
	}
	return out
}

func (s *Scheduler) permanent(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[name]
	return ok && e.task.Permanent
}
