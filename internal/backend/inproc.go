package backend

import (
	"context"
	"sync"

	"github.com/loykin/condsched/internal/eventloop"
	"github.com/loykin/condsched/internal/task"
)

// Main runs the task synchronously inside Launch.
type Main struct{}

func (Main) Launch(ctx context.Context, t task.Task) (Handle, error) {
	ctx = task.WithFlag(ctx, task.NewFlag())
	return finished{outcomeOf(call(ctx, t.Func))}, nil
}

type finished struct{ out Outcome }

func (finished) Alive() bool        { return false }
func (finished) Terminate()         {}
func (f finished) Outcome() Outcome { return f.out }
func (finished) PID() int           { return 0 }

// Thread runs the task on its own goroutine. Termination sets the task's
// flag and cancels its context; the task decides when to return.
type Thread struct{}

func (Thread) Launch(ctx context.Context, t task.Task) (Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	h := &threadHandle{flag: task.NewFlag(), cancel: cancel, done: make(chan struct{})}
	ctx = task.WithFlag(ctx, h.flag)
	go func() {
		out := outcomeOf(call(ctx, t.Func))
		h.mu.Lock()
		h.out = out
		h.mu.Unlock()
		cancel()
		close(h.done)
	}()
	return h, nil
}

type threadHandle struct {
	flag   *task.Flag
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	out Outcome
}

func (h *threadHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *threadHandle) Terminate() {
	if h.flag.Set() {
		h.cancel()
	}
}

func (h *threadHandle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out
}

func (h *threadHandle) PID() int { return 0 }

// Async runs the task as a coroutine on Loop. It only makes progress while
// the owner of the loop calls RunOnce.
type Async struct {
	Loop *eventloop.Loop
}

func (a *Async) Launch(ctx context.Context, t task.Task) (Handle, error) {
	flag := task.NewFlag()
	fn := t.Func
	h := a.Loop.Spawn(task.WithFlag(ctx, flag), func(ctx context.Context) error {
		return call(ctx, fn)
	})
	return &asyncHandle{h: h, flag: flag}, nil
}

type asyncHandle struct {
	h    *eventloop.Handle
	flag *task.Flag
}

func (a *asyncHandle) Alive() bool { return a.h.Alive() }

func (a *asyncHandle) Terminate() {
	a.flag.Set()
	a.h.Cancel()
}

func (a *asyncHandle) Outcome() Outcome {
	if a.h.Alive() {
		return Outcome{}
	}
	return outcomeOf(a.h.Err())
}

func (a *asyncHandle) PID() int { return 0 }
