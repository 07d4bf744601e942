package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/condsched/internal/task"
)

// reportDrain bounds how long an exited child's report pipe is read.
const reportDrain = 200 * time.Millisecond

// Process runs each instance in a child OS process. Command tasks run their
// shell command; Func tasks re-execute the current binary, which must call
// ChildMain early in main.
type Process struct {
	KillGrace time.Duration
	// Output, when set, picks stdout and stderr per task. A nil writer
	// inherits the scheduler's stream.
	Output func(task string) (stdout, stderr io.Writer)
}

func (p *Process) Launch(_ context.Context, t task.Task) (Handle, error) {
	var (
		cmd    *exec.Cmd
		pr, pw *os.File
	)
	if t.Command != "" {
		cmd = buildCommand(t.Command)
		cmd.Env = os.Environ()
	} else {
		if t.FuncName == "" {
			return nil, fmt.Errorf("task %q: process mode needs a registered func name", t.Name)
		}
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		pr, pw, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("report pipe: %w", err)
		}
		// #nosec G204
		cmd = exec.Command(exe)
		cmd.Env = append(os.Environ(), childFuncEnv+"="+t.FuncName, childTaskEnv+"="+t.Name)
		cmd.ExtraFiles = []*os.File{pw}
	}
	if t.WorkDir != "" {
		cmd.Dir = t.WorkDir
	}
	cmd.Env = append(cmd.Env, t.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if p.Output != nil {
		if w, e := p.Output(t.Name); w != nil || e != nil {
			if w != nil {
				cmd.Stdout = w
			}
			if e != nil {
				cmd.Stderr = e
			}
			// grandchildren holding the pipes must not block Wait
			cmd.WaitDelay = p.grace()
		}
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		if pr != nil {
			_ = pr.Close()
			_ = pw.Close()
		}
		return nil, fmt.Errorf("start %q: %w", t.Name, err)
	}

	h := &procHandle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		killGrace: p.grace(),
		isFunc:    pr != nil,
		done:      make(chan struct{}),
	}
	if pr != nil {
		_ = pw.Close()
		h.reports = make(chan *Outcome, 1)
		go h.readReport(pr)
	}
	go h.wait(pr)
	return h, nil
}

func (p *Process) grace() time.Duration {
	if p.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return p.KillGrace
}

type procHandle struct {
	cmd       *exec.Cmd
	pid       int
	killGrace time.Duration
	isFunc    bool
	reports   chan *Outcome
	done      chan struct{}
	termOnce  sync.Once

	mu  sync.Mutex
	out Outcome
}

func (h *procHandle) readReport(r io.Reader) {
	var out Outcome
	if err := json.NewDecoder(r).Decode(&out); err != nil || out.Status == "" {
		h.reports <- nil
		return
	}
	h.reports <- &out
}

// wait reaps the child and fixes the outcome before Alive turns false, so a
// report read before exit is never lost.
func (h *procHandle) wait(pr *os.File) {
	err := h.cmd.Wait()
	var rep *Outcome
	if h.reports != nil {
		select {
		case rep = <-h.reports:
		case <-time.After(reportDrain):
			_ = pr.Close()
			rep = <-h.reports
		}
		_ = pr.Close()
	}
	out := classifyExit(err, rep, h.isFunc)
	h.mu.Lock()
	h.out = out
	h.mu.Unlock()
	close(h.done)
}

// classifyExit decides the outcome of a reaped child. A report wins; a child
// that died from a signal or exited without reporting crashed.
func classifyExit(waitErr error, rep *Outcome, isFunc bool) Outcome {
	if rep != nil {
		return *rep
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		if isFunc {
			return Outcome{Status: StatusCrash, Err: "child exited without reporting"}
		}
		return Outcome{Status: StatusSuccess}
	case errors.As(waitErr, &exitErr):
		if exitErr.ProcessState != nil && exitErr.ProcessState.ExitCode() == -1 {
			return Outcome{Status: StatusCrash, Err: exitErr.ProcessState.String()}
		}
		if isFunc {
			return Outcome{Status: StatusCrash, Err: "child exited without reporting: " + exitErr.Error()}
		}
		return Outcome{Status: StatusFail, Err: exitErr.Error()}
	}
	return Outcome{Status: StatusCrash, Err: waitErr.Error()}
}

func (h *procHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the child's process group and SIGKILL once the
// kill grace has elapsed.
func (h *procHandle) Terminate() {
	h.termOnce.Do(func() {
		_ = signalGroup(h.pid, sigTerm)
		go func() {
			t := time.NewTimer(h.killGrace)
			defer t.Stop()
			select {
			case <-h.done:
			case <-t.C:
				_ = signalGroup(h.pid, sigKill)
			}
		}()
	})
}

func (h *procHandle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out
}

func (h *procHandle) PID() int { return h.pid }

// buildCommand constructs an *exec.Cmd for a command string. It avoids a
// shell when none is needed and honors an explicit "sh -c ..." prefix
// without wrapping it in another shell.
func buildCommand(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
