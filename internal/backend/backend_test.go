package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/condsched/internal/eventloop"
	"github.com/loykin/condsched/internal/task"
)

func init() {
	task.Register("backend-ok", func(context.Context) error { return nil })
	task.Register("backend-fail", func(context.Context) error { return errors.New("boom") })
	task.Register("backend-wait", func(ctx context.Context) error {
		select {
		case <-task.FlagFrom(ctx).Done():
			return task.ErrTerminated
		case <-time.After(30 * time.Second):
			return nil
		}
	})
	task.Register("backend-stubborn", func(context.Context) error {
		time.Sleep(30 * time.Second)
		return nil
	})
	task.Register("backend-exit", func(context.Context) error {
		os.Exit(3)
		return nil
	})
}

func TestMain(m *testing.M) {
	ChildMain()
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process backend tests require a Unix platform")
	}
}

func waitDead(t *testing.T, h Handle) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.Alive() }, 15*time.Second, 10*time.Millisecond)
}

func TestMain_RunsSynchronously(t *testing.T) {
	ran := false
	h, err := Main{}.Launch(context.Background(), task.Task{Name: "m", Func: func(context.Context) error {
		ran = true
		return nil
	}})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, h.Alive())
	assert.Equal(t, Outcome{Status: StatusSuccess}, h.Outcome())
	h.Terminate()
	assert.Zero(t, h.PID())
}

func TestMain_PanicBecomesFail(t *testing.T) {
	h, err := Main{}.Launch(context.Background(), task.Task{Name: "m", Func: func(context.Context) error {
		panic("oops")
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, h.Outcome().Status)
	assert.Contains(t, h.Outcome().Err, "oops")
}

func TestThread_CooperativeTermination(t *testing.T) {
	h, err := Thread{}.Launch(context.Background(), task.Task{Name: "t", Func: func(ctx context.Context) error {
		flag := task.FlagFrom(ctx)
		for !flag.IsSet() {
			time.Sleep(time.Millisecond)
		}
		return task.ErrTerminated
	}})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.Alive())

	h.Terminate()
	h.Terminate()
	waitDead(t, h)
	assert.Equal(t, StatusFail, h.Outcome().Status)
	assert.Equal(t, task.ErrTerminated.Error(), h.Outcome().Err)
}

func TestThread_IgnoringFlagStaysAlive(t *testing.T) {
	release := make(chan struct{})
	h, err := Thread{}.Launch(context.Background(), task.Task{Name: "t", Func: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)
	h.Terminate()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.Alive(), "threads are never forced to stop")
	close(release)
	waitDead(t, h)
	assert.Equal(t, StatusSuccess, h.Outcome().Status)
}

func TestAsync_ProgressOnlyWithLoop(t *testing.T) {
	loop := eventloop.New()
	steps := 0
	h, err := (&Async{Loop: loop}).Launch(context.Background(), task.Task{Name: "a", Func: func(ctx context.Context) error {
		for {
			steps++
			if err := eventloop.Yield(ctx); err != nil {
				return err
			}
		}
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	loop.RunOnce()
	loop.RunOnce()
	assert.Equal(t, 2, steps)
	assert.Equal(t, Outcome{}, h.Outcome())

	h.Terminate()
	loop.RunOnce()
	assert.False(t, h.Alive())
	assert.Equal(t, StatusFail, h.Outcome().Status)
	assert.Equal(t, 2, steps)
}

func TestSet_UnknownMode(t *testing.T) {
	s := NewSet(eventloop.New(), Options{})
	_, err := s.Launch(context.Background(), task.Task{Name: "x", Mode: "gpu"})
	assert.Error(t, err)
	assert.Len(t, s, len(task.Modes))
}

func TestProcess_FuncOutcomes(t *testing.T) {
	requireUnix(t)
	p := &Process{KillGrace: 2 * time.Second}
	tests := []struct {
		fn     string
		status Status
		errSub string
	}{
		{"backend-ok", StatusSuccess, ""},
		{"backend-fail", StatusFail, "boom"},
		{"backend-exit", StatusCrash, "without reporting"},
		{"backend-missing", StatusFail, "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			h, err := p.Launch(context.Background(), task.Task{Name: tt.fn, Mode: task.ModeProcess, FuncName: tt.fn})
			require.NoError(t, err)
			assert.Positive(t, h.PID())
			waitDead(t, h)
			assert.Equal(t, tt.status, h.Outcome().Status)
			assert.Contains(t, h.Outcome().Err, tt.errSub)
		})
	}
}

func TestProcess_GracefulTermination(t *testing.T) {
	requireUnix(t)
	p := &Process{KillGrace: 5 * time.Second}
	h, err := p.Launch(context.Background(), task.Task{Name: "w", Mode: task.ModeProcess, FuncName: "backend-wait"})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	require.True(t, h.Alive())

	h.Terminate()
	waitDead(t, h)
	assert.Equal(t, StatusFail, h.Outcome().Status)
	assert.Equal(t, task.ErrTerminated.Error(), h.Outcome().Err)
}

func TestProcess_KillAfterGrace(t *testing.T) {
	requireUnix(t)
	p := &Process{KillGrace: 100 * time.Millisecond}
	h, err := p.Launch(context.Background(), task.Task{Name: "s", Mode: task.ModeProcess, FuncName: "backend-stubborn"})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	h.Terminate()
	waitDead(t, h)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StatusCrash, h.Outcome().Status)
}

func TestProcess_Command(t *testing.T) {
	requireUnix(t)
	p := &Process{KillGrace: time.Second}
	tests := []struct {
		cmd    string
		status Status
	}{
		{"true", StatusSuccess},
		{"sh -c 'exit 4'", StatusFail},
		{"echo hi > /dev/null", StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			h, err := p.Launch(context.Background(), task.Task{Name: "c", Mode: task.ModeProcess, Command: tt.cmd})
			require.NoError(t, err)
			waitDead(t, h)
			assert.Equal(t, tt.status, h.Outcome().Status)
		})
	}

	h, err := p.Launch(context.Background(), task.Task{Name: "sleep", Mode: task.ModeProcess, Command: "sleep 30"})
	require.NoError(t, err)
	h.Terminate()
	waitDead(t, h)
	assert.Equal(t, StatusCrash, h.Outcome().Status, "killed by signal without a report")

	_, err = p.Launch(context.Background(), task.Task{Name: "missing", Mode: task.ModeProcess, Command: "/definitely/not/here"})
	assert.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProcess_OutputRouting(t *testing.T) {
	requireUnix(t)
	var out syncBuffer
	var asked []string
	p := &Process{KillGrace: time.Second, Output: func(name string) (io.Writer, io.Writer) {
		asked = append(asked, name)
		return &out, nil
	}}
	h, err := p.Launch(context.Background(), task.Task{Name: "echo", Mode: task.ModeProcess, Command: "echo routed"})
	require.NoError(t, err)
	waitDead(t, h)
	assert.Equal(t, StatusSuccess, h.Outcome().Status)
	assert.Equal(t, "routed\n", out.String())
	assert.Equal(t, []string{"echo"}, asked)
}

func TestClassifyExit(t *testing.T) {
	rep := &Outcome{Status: StatusFail, Err: "x"}
	assert.Equal(t, *rep, classifyExit(errors.New("ignored"), rep, true))
	assert.Equal(t, StatusSuccess, classifyExit(nil, nil, false).Status)
	assert.Equal(t, StatusCrash, classifyExit(nil, nil, true).Status)
	assert.Equal(t, StatusCrash, classifyExit(errors.New("io"), nil, false).Status)
}

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	tests := []struct {
		in   string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"echo hello world", []string{"echo", "hello", "world"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"sh -c 'echo hi | wc -c'", []string{"/bin/sh", "-c", "echo hi | wc -c"}},
		{`/bin/sh -c "exit 1"`, []string{"/bin/sh", "-c", "exit 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.args, buildCommand(tt.in).Args)
		})
	}
}
