package scheduler

import (
	"time"

	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/task"
)

// The methods below are safe to call from any goroutine, including task code.

// Phase returns the current lifecycle phase.
func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

// History returns the log the scheduler records into.
func (s *Scheduler) History() *history.Log { return s.log }

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Cycles returns the number of cycles started so far.
func (s *Scheduler) Cycles() int64 { return s.cycles.Load() }

// Uptime returns the time since Run started, or 0 before that.
func (s *Scheduler) Uptime() time.Duration { return s.state("").Uptime() }

// NAlive returns the number of live instances of a task.
func (s *Scheduler) NAlive(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live[name])
}

// NAliveTotal returns the number of live instances of all tasks.
func (s *Scheduler) NAliveTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.live {
		n += len(l)
	}
	return n
}

// IsRunning reports whether the task has at least one live instance.
func (s *Scheduler) IsRunning(name string) bool { return s.NAlive(name) > 0 }

// IsAlive reports whether some instance of the task is still executing
// according to its backend, which may be ahead of the loop's bookkeeping.
func (s *Scheduler) IsAlive(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.live[name] {
		if inst.handle == nil || inst.handle.Alive() {
			return true
		}
	}
	return false
}

// HasFreeCapacity reports whether another process instance would be admitted.
func (s *Scheduler) HasFreeCapacity() bool { return s.pool.HasFreeCapacity() }

// CountByMode returns live instances of a mode.
func (s *Scheduler) CountByMode(mode task.Mode) int { return s.pool.Count(mode) }

// TaskStatus describes a registered task and its live instances.
type TaskStatus struct {
	Name        string         `json:"name"`
	Mode        task.Mode      `json:"mode"`
	Priority    int            `json:"priority"`
	StartCond   string         `json:"start_cond"`
	EndCond     string         `json:"end_cond"`
	Permanent   bool           `json:"permanent"`
	Multilaunch bool           `json:"multilaunch"`
	OnShutdown  bool           `json:"on_shutdown"`
	Disabled    bool           `json:"disabled"`
	Instances   []InstanceInfo `json:"instances"`
	LastAction  history.Action `json:"last_action,omitempty"`
	LastTime    time.Time      `json:"last_time,omitempty"`
}

// Snapshot returns the status of every task in priority order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.RLock()
	entries := append([]*entry(nil), s.ordered...)
	s.mu.RUnlock()
	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.status(e))
	}
	return out
}

// Task returns the status of one task.
func (s *Scheduler) Task(name string) (TaskStatus, bool) {
	s.mu.RLock()
	e, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return TaskStatus{}, false
	}
	return s.status(e), true
}

func (s *Scheduler) status(e *entry) TaskStatus {
	t := e.task
	st := TaskStatus{
		Name:        t.Name,
		Mode:        t.Mode,
		Priority:    t.Priority,
		StartCond:   t.StartCond.String(),
		EndCond:     t.EndCond.String(),
		Permanent:   t.Permanent,
		Multilaunch: t.Multilaunch,
		OnShutdown:  t.OnShutdown,
		Disabled:    e.disabled.Load(),
		Instances:   []InstanceInfo{},
	}
	s.mu.RLock()
	for _, inst := range s.live[t.Name] {
		st.Instances = append(st.Instances, inst.info())
	}
	s.mu.RUnlock()
	if r, ok := s.log.Last(history.Filter{Task: t.Name}); ok {
		st.LastAction = r.Action
		st.LastTime = r.Time
	}
	return st
}

// ProcessPIDs lists live process instances by task and instance id.
func (s *Scheduler) ProcessPIDs() []InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []InstanceInfo
	for _, e := range s.ordered {
		for _, inst := range s.live[e.task.Name] {
			if inst.Mode == task.ModeProcess && inst.handle != nil && inst.handle.PID() > 0 {
				out = append(out, inst.info())
			}
		}
	}
	return out
}
