package scheduler

import (
	"errors"
	"runtime"
	"time"

	"github.com/loykin/condsched/internal/condition"
	"github.com/loykin/condsched/internal/task"
)

var (
	ErrDuplicateTask  = errors.New("duplicate task name")
	ErrInvalidTask    = errors.New("invalid task")
	ErrInvalidConfig  = errors.New("invalid scheduler config")
	ErrAlreadyRunning = errors.New("scheduler already started")
	ErrUnknownTask    = errors.New("unknown task")
)

// Config holds the scheduler settings.
type Config struct {
	// ShutCond stops the scheduler when it holds; checked once per cycle.
	// Counters in it must name their task.
	ShutCond condition.Condition
	// MaxProcessCount caps live process instances. 0 allows none.
	MaxProcessCount int
	// InstantShutdown terminates every instance at shutdown instead of
	// waiting for natural completion first.
	InstantShutdown bool
	// TasksAsDaemon marks thread instances still alive after the shutdown
	// waits as abandonable with the process; they are waited for and
	// recorded like any other instance until then.
	TasksAsDaemon bool

	CycleSleep    time.Duration // pause between cycles; 0 means default, negative means none
	ShutdownGrace time.Duration // how long shutdown waits for instances
	KillGrace     time.Duration // SIGTERM to SIGKILL delay for processes

	// Limits optionally caps live instances of other modes.
	Limits map[task.Mode]int
}

const (
	DefaultCycleSleep    = 50 * time.Millisecond
	DefaultShutdownGrace = 30 * time.Second
	DefaultKillGrace     = 5 * time.Second
)

// DefaultConfig returns a config that never shuts down by itself and allows
// one process per CPU.
func DefaultConfig() Config {
	return Config{
		ShutCond:        condition.AlwaysFalse,
		MaxProcessCount: runtime.NumCPU(),
		CycleSleep:      DefaultCycleSleep,
		ShutdownGrace:   DefaultShutdownGrace,
		KillGrace:       DefaultKillGrace,
	}
}

func (c *Config) applyDefaults() {
	if c.ShutCond == nil {
		c.ShutCond = condition.AlwaysFalse
	}
	if c.CycleSleep == 0 {
		c.CycleSleep = DefaultCycleSleep
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
}
