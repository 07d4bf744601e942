package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/condsched/internal/task"
)

// drainInterval is how often shutdown polls instances.
const drainInterval = 5 * time.Millisecond

// shutdown runs on_shutdown tasks, then ends or abandons every live instance.
func (s *Scheduler) shutdown(ctx context.Context) {
	instant := s.instant.Load()
	slog.Info("Scheduler shutting down", "instant", instant, "live", s.NAliveTotal())

	for _, e := range s.snapshotOrder() {
		t := &e.task
		if !t.OnShutdown || e.disabled.Load() {
			continue
		}
		if !s.pool.Admit(t.Mode) {
			slog.Warn("Shutdown task skipped, pool is full", "task", t.Name, "mode", t.Mode)
			continue
		}
		inst := s.launch(ctx, e)
		deadline := s.now().Add(s.cfg.ShutdownGrace)
		s.drain(deadline, func() bool { return !s.isLive(inst) })
		if s.isLive(inst) {
			slog.Warn("Shutdown task exceeded grace period", "task", t.Name, "instance", inst.ID)
			s.requestTermination(inst)
		}
	}

	for _, inst := range s.allLive() {
		if instant || s.permanent(inst.Task) {
			s.requestTermination(inst)
		}
	}
	s.drain(s.now().Add(s.cfg.ShutdownGrace), s.settled)

	if !s.settled() {
		for _, inst := range s.allLive() {
			s.requestTermination(inst)
		}
		// processes are killed after KillGrace; allow them to be reaped
		s.drain(s.now().Add(s.cfg.KillGrace+time.Second), s.settled)
	}

	for _, inst := range s.allLive() {
		s.abandon(inst)
	}
}

// settled reports whether every instance has been observed finished.
func (s *Scheduler) settled() bool { return s.NAliveTotal() == 0 }

// drain keeps polling and driving async instances until done reports true
// or deadline passes.
func (s *Scheduler) drain(deadline time.Time, done func() bool) {
	for {
		s.poll()
		if done() || !s.now().Before(deadline) {
			return
		}
		s.loop.RunOnce()
		time.Sleep(drainInterval)
	}
}

func (s *Scheduler) isLive(inst *Instance) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, x := range s.live[inst.Task] {
		if x == inst {
			return true
		}
	}
	return false
}

// abandon forgets an instance that would not stop. No history record is
// written because its outcome was never observed. Daemon threads are
// expected to end this way and are logged at info level.
func (s *Scheduler) abandon(inst *Instance) {
	if s.cfg.TasksAsDaemon && inst.Mode == task.ModeThread {
		slog.Info("Abandoning daemon task instance", "task", inst.Task, "instance", inst.ID)
	} else {
		slog.Warn("Abandoning task instance that did not stop", "task", inst.Task, "instance", inst.ID, "mode", inst.Mode)
	}
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
	s.mu.Unlock()
	s.pool.Release(inst.Mode)
}
