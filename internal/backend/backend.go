// Package backend executes task instances in one of four modes: synchronously
// on the scheduler loop (main), on a goroutine (thread), in a child OS process
// (process) or as a coroutine on the shared event loop (async).
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/condsched/internal/eventloop"
	"github.com/loykin/condsched/internal/task"
)

// Status is how an instance ended, as seen by its backend.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusCrash   Status = "crash"
)

// Outcome is the result of a finished instance.
type Outcome struct {
	Status Status `json:"status"`
	Err    string `json:"error,omitempty"`
}

// Handle controls a launched instance.
type Handle interface {
	// Alive reports whether the instance is still running. Once it returns
	// false, Outcome is final.
	Alive() bool
	// Terminate requests the instance to stop; it may return before it does.
	Terminate()
	Outcome() Outcome
	// PID is the OS process id, or 0 for in-process instances.
	PID() int
}

// Backend launches instances of a task.
type Backend interface {
	Launch(ctx context.Context, t task.Task) (Handle, error)
}

// Set maps each mode to its backend.
type Set map[task.Mode]Backend

// Options configure the default backend set.
type Options struct {
	// KillGrace is how long a process gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// Output routes process task output; see Process.Output.
	Output func(task string) (stdout, stderr io.Writer)
}

// DefaultKillGrace is used when Options.KillGrace is zero.
const DefaultKillGrace = 5 * time.Second

// NewSet returns backends for every mode; async instances run on loop.
func NewSet(loop *eventloop.Loop, opts Options) Set {
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return Set{
		task.ModeMain:    Main{},
		task.ModeThread:  Thread{},
		task.ModeProcess: &Process{KillGrace: opts.KillGrace, Output: opts.Output},
		task.ModeAsync:   &Async{Loop: loop},
	}
}

// Launch dispatches t to the backend of its mode.
func (s Set) Launch(ctx context.Context, t task.Task) (Handle, error) {
	b, ok := s[t.Mode]
	if !ok {
		return nil, fmt.Errorf("no backend for mode %q", t.Mode)
	}
	return b.Launch(ctx, t)
}

// outcomeOf converts a callable's return value.
func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusSuccess}
	}
	return Outcome{Status: StatusFail, Err: err.Error()}
}

// call runs fn and converts a panic into an error.
func call(ctx context.Context, fn task.Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if fn == nil {
		return errors.New("task has no func")
	}
	return fn(ctx)
}
