// Package task defines the task model shared by the scheduler and backends.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/condsched/internal/condition"
)

// Mode selects the execution backend of a task.
type Mode string

const (
	ModeMain    Mode = "main"
	ModeThread  Mode = "thread"
	ModeProcess Mode = "process"
	ModeAsync   Mode = "async"
)

// Modes lists every supported execution mode.
var Modes = []Mode{ModeMain, ModeThread, ModeProcess, ModeAsync}

// ParseMode converts a config string to a Mode. Empty means thread.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeThread, nil
	case ModeMain, ModeThread, ModeProcess, ModeAsync:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Func is the work a task performs. Returning ErrTerminated after observing
// a termination request is the conventional way to exit early.
type Func func(ctx context.Context) error

// ErrTerminated is returned by task code that stopped because termination
// was requested.
var ErrTerminated = errors.New("task terminated")

// Task describes a unit of work and when it runs.
type Task struct {
	Name      string
	StartCond condition.Condition // nil never starts
	EndCond   condition.Condition // nil never terminates
	Mode      Mode
	Priority  int // higher runs first

	Permanent   bool
	Multilaunch bool
	OnShutdown  bool
	Disabled    bool

	Func Func
	// FuncName refers to a Func in the default Registry. Process tasks use
	// it to find their Func again inside the child process.
	FuncName string
	// Command is a shell command; process mode only.
	Command string
	WorkDir string
	Env     []string
}

// Resolve fills Func from the default registry when FuncName is set.
func (t *Task) Resolve() error {
	if t.Func != nil || t.FuncName == "" {
		return nil
	}
	fn, ok := Lookup(t.FuncName)
	if !ok {
		return fmt.Errorf("task %q: func %q is not registered", t.Name, t.FuncName)
	}
	t.Func = fn
	return nil
}

// Validate checks the task definition and normalizes an empty Mode.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	m, err := ParseMode(string(t.Mode))
	if err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	t.Mode = m
	if t.Command != "" {
		if t.Mode != ModeProcess {
			return fmt.Errorf("task %q: command requires process mode", t.Name)
		}
		if t.Func != nil || t.FuncName != "" {
			return fmt.Errorf("task %q: command and func are mutually exclusive", t.Name)
		}
		return nil
	}
	if t.Func == nil && t.FuncName == "" {
		return fmt.Errorf("task %q: func or command is required", t.Name)
	}
	if t.Mode == ModeProcess && t.FuncName == "" {
		return fmt.Errorf("task %q: process mode needs a registered func name", t.Name)
	}
	return nil
}

// Live reports whether instances of t run concurrently with the loop.
func (t *Task) Live() bool { return t.Mode != ModeMain }
