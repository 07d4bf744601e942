package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/loykin/condsched/internal/backend"
	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/task"
)

// Instance is one launched execution of a task. It is owned by the
// scheduler loop and dropped once its outcome is recorded.
type Instance struct {
	ID        string
	Task      string
	Mode      task.Mode
	StartedAt time.Time

	handle      backend.Handle // nil while a main task is still running
	terminating bool
}

func newInstance(t task.Task, now time.Time) *Instance {
	return &Instance{ID: uuid.NewString(), Task: t.Name, Mode: t.Mode, StartedAt: now}
}

// action maps a backend outcome to the history action. An instance that
// was asked to terminate is recorded as terminated however it ended.
func (i *Instance) action(out backend.Outcome) (history.Action, string) {
	if i.terminating {
		return history.ActionTerminate, ""
	}
	switch out.Status {
	case backend.StatusSuccess:
		return history.ActionSuccess, ""
	case backend.StatusCrash:
		return history.ActionCrash, out.Err
	}
	return history.ActionFail, out.Err
}

// InstanceInfo is a read-only view of a live instance.
type InstanceInfo struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Mode        task.Mode `json:"mode"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Terminating bool      `json:"terminating"`
}

func (i *Instance) info() InstanceInfo {
	pid := 0
	if i.handle != nil {
		pid = i.handle.PID()
	}
	return InstanceInfo{
		ID:          i.ID,
		Task:        i.Task,
		Mode:        i.Mode,
		PID:         pid,
		StartedAt:   i.StartedAt,
		Terminating: i.terminating,
	}
}
