package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/condsched/internal/task"
)

func TestLoop_InterleavesAtYield(t *testing.T) {
	l := New()
	var trace []string // only one coroutine runs at a time, no lock needed
	step := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				trace = append(trace, name)
				if err := Yield(ctx); err != nil {
					return err
				}
			}
			return nil
		}
	}
	a := l.Spawn(context.Background(), step("a"))
	b := l.Spawn(context.Background(), step("b"))
	assert.Equal(t, 2, l.Len())

	for i := 0; i < 3; i++ {
		assert.Equal(t, 2, l.RunOnce())
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, trace)
	assert.True(t, a.Alive(), "still suspended at the last yield")

	l.RunOnce()
	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
	assert.NoError(t, a.Err())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.RunOnce())
}

func TestLoop_NothingRunsBetweenRounds(t *testing.T) {
	l := New()
	var n atomic.Int32
	l.Spawn(context.Background(), func(ctx context.Context) error {
		for {
			n.Add(1)
			if err := Yield(ctx); err != nil {
				return err
			}
		}
	})
	l.RunOnce()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
	l.RunOnce()
	assert.Equal(t, int32(2), n.Load())
}

func TestLoop_CancelAtSuspensionPoint(t *testing.T) {
	l := New()
	reached := false
	h := l.Spawn(context.Background(), func(ctx context.Context) error {
		if err := Sleep(ctx, time.Hour); err != nil {
			return err
		}
		reached = true
		return nil
	})
	l.RunOnce()
	assert.True(t, h.Alive())
	assert.Equal(t, 0, l.RunOnce(), "sleeping coroutine is not resumed early")

	h.Cancel()
	h.Cancel()
	assert.True(t, h.Alive(), "cancellation is delivered on resume")
	assert.Equal(t, 1, l.RunOnce())
	assert.False(t, h.Alive())
	assert.ErrorIs(t, h.Err(), task.ErrTerminated)
	assert.False(t, reached)
	assert.True(t, h.Cancelled())
}

func TestLoop_CancelBeforeStart(t *testing.T) {
	l := New()
	ran := false
	h := l.Spawn(context.Background(), func(context.Context) error { ran = true; return nil })
	h.Cancel()
	l.RunOnce()
	assert.False(t, ran)
	assert.ErrorIs(t, h.Err(), task.ErrTerminated)
}

func TestLoop_SleepWakesAfterDeadline(t *testing.T) {
	l := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	h := l.Spawn(context.Background(), func(ctx context.Context) error {
		return Sleep(ctx, time.Second)
	})
	l.RunOnce()
	now = base.Add(500 * time.Millisecond)
	l.RunOnce()
	assert.True(t, h.Alive())
	now = base.Add(time.Second)
	l.RunOnce()
	assert.False(t, h.Alive())
	assert.NoError(t, h.Err())
}

func TestLoop_ErrorsAndPanics(t *testing.T) {
	l := New()
	boom := errors.New("boom")
	e := l.Spawn(context.Background(), func(context.Context) error { return boom })
	p := l.Spawn(context.Background(), func(context.Context) error { panic("bad") })
	l.RunOnce()
	assert.ErrorIs(t, e.Err(), boom)
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "panic: bad")
}

func TestLoop_SpawnFromCoroutine(t *testing.T) {
	l := New()
	var child *Handle
	l.Spawn(context.Background(), func(ctx context.Context) error {
		child = l.Spawn(ctx, func(context.Context) error { return nil })
		return nil
	})
	assert.Equal(t, 1, l.RunOnce())
	require.NotNil(t, child)
	assert.True(t, child.Alive())
	assert.Equal(t, 1, l.RunOnce())
	assert.False(t, child.Alive())
}

func TestYieldAndSleep_OutsideLoop(t *testing.T) {
	assert.NoError(t, Yield(context.Background()))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Yield(ctx), task.ErrTerminated)
	assert.ErrorIs(t, Sleep(ctx, time.Hour), task.ErrTerminated)
}
