package task

import (
	"context"
	"sync"
	"sync/atomic"
)

// Flag is a write-once termination flag shared with running task code.
// The zero value is not usable; use NewFlag. A nil *Flag is never set.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	ch   chan struct{}
}

// NewFlag returns an unset flag.
func NewFlag() *Flag { return &Flag{ch: make(chan struct{})} }

// Set raises the flag. It reports whether this call raised it.
func (f *Flag) Set() bool {
	raised := false
	f.once.Do(func() {
		f.set.Store(true)
		close(f.ch)
		raised = true
	})
	return raised
}

// IsSet reports whether termination was requested.
func (f *Flag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Done is closed once the flag is set.
func (f *Flag) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.ch
}

type flagKey struct{}

// WithFlag attaches f to ctx.
func WithFlag(ctx context.Context, f *Flag) context.Context {
	return context.WithValue(ctx, flagKey{}, f)
}

// FlagFrom returns the termination flag of the running task, or nil.
func FlagFrom(ctx context.Context) *Flag {
	f, _ := ctx.Value(flagKey{}).(*Flag)
	return f
}

// Terminated reports whether the task running with ctx was asked to stop.
func Terminated(ctx context.Context) bool {
	return FlagFrom(ctx).IsSet() || ctx.Err() != nil
}
