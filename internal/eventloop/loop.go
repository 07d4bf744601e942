// Package eventloop runs cooperatively scheduled coroutines.
//
// Every coroutine is a goroutine, but a baton passed by RunOnce guarantees
// that at most one of them, or the caller of RunOnce, executes at any moment.
// A coroutine gives the baton back only at a suspension point (Yield, Sleep)
// or when it returns.
package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/condsched/internal/task"
)

// Loop owns a set of coroutines.
type Loop struct {
	mu      sync.Mutex
	waiting []*Handle
	live    int
	parked  chan struct{}
	now     func() time.Time
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{parked: make(chan struct{}), now: time.Now}
}

// Handle controls one coroutine.
type Handle struct {
	loop      *Loop
	resume    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled atomic.Bool
	wakeAt    time.Time // guarded by loop.mu
	err       error     // valid after done is closed
}

type handleKey struct{}

// Spawn schedules fn to start at the next RunOnce.
func (l *Loop) Spawn(ctx context.Context, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		loop:   l,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	ctx = context.WithValue(ctx, handleKey{}, h)

	l.mu.Lock()
	l.waiting = append(l.waiting, h)
	l.live++
	l.mu.Unlock()

	go h.run(ctx, fn)
	return h
}

func (h *Handle) run(ctx context.Context, fn func(ctx context.Context) error) {
	<-h.resume
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("panic: %v", r)
		}
		h.cancel()
		h.loop.mu.Lock()
		h.loop.live--
		h.loop.mu.Unlock()
		close(h.done)
		h.loop.parked <- struct{}{}
	}()
	if h.cancelled.Load() {
		h.err = task.ErrTerminated
		return
	}
	h.err = fn(ctx)
}

// suspend hands the baton back to the loop and blocks until resumed.
func (h *Handle) suspend(wake time.Time) error {
	if h.cancelled.Load() {
		return task.ErrTerminated
	}
	h.loop.mu.Lock()
	h.wakeAt = wake
	h.loop.waiting = append(h.loop.waiting, h)
	h.loop.mu.Unlock()

	h.loop.parked <- struct{}{}
	<-h.resume
	if h.cancelled.Load() {
		return task.ErrTerminated
	}
	return nil
}

// RunOnce resumes every coroutine that is ready: newly spawned, yielded,
// sleeping past its deadline, or cancelled. Each runs until its next
// suspension point. Coroutines that become ready during the round wait for
// the next one. RunOnce returns the number of coroutines resumed and must not
// be called concurrently or from inside a coroutine.
func (l *Loop) RunOnce() int {
	now := l.now()
	l.mu.Lock()
	var ready, rest []*Handle
	for _, h := range l.waiting {
		if h.cancelled.Load() || !now.Before(h.wakeAt) {
			ready = append(ready, h)
		} else {
			rest = append(rest, h)
		}
	}
	l.waiting = rest
	l.mu.Unlock()

	for _, h := range ready {
		h.resume <- struct{}{}
		<-l.parked
	}
	return len(ready)
}

// Len returns the number of coroutines that have not returned.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Cancel requests cancellation. The coroutine observes it at its next
// suspension point, where Yield or Sleep return task.ErrTerminated.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed when the coroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the coroutine has not returned yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the coroutine's result. Only meaningful once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func current(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// Yield suspends the calling coroutine until the next round. Outside a
// coroutine it only reports cancellation of ctx.
func Yield(ctx context.Context) error {
	if h := current(ctx); h != nil {
		return h.suspend(time.Time{})
	}
	if ctx.Err() != nil {
		return task.ErrTerminated
	}
	runtime.Gosched()
	return nil
}

// Sleep suspends the calling coroutine for at least d. Outside a coroutine
// it blocks the calling goroutine instead.
func Sleep(ctx context.Context, d time.Duration) error {
	if h := current(ctx); h != nil {
		wake := h.loop.now().Add(d)
		for {
			if err := h.suspend(wake); err != nil {
				return err
			}
			if !h.loop.now().Before(wake) {
				return nil
			}
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return task.ErrTerminated
	}
}
