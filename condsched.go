// Package condsched is a condition-driven task scheduler. Tasks declare when
// they start and end as boolean expressions over the run history; a single
// loop evaluates them every cycle and executes admitted instances on the
// caller's goroutine, a goroutine, a child process or a shared event loop.
//
// Programs that use process-mode Func tasks must call ChildMain at the top
// of main, after registering those funcs with RegisterFunc in init.
package condsched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/condsched/internal/backend"
	"github.com/loykin/condsched/internal/condition"
	cfg "github.com/loykin/condsched/internal/config"
	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/history/factory"
	"github.com/loykin/condsched/internal/logger"
	"github.com/loykin/condsched/internal/metrics"
	"github.com/loykin/condsched/internal/scheduler"
	iapi "github.com/loykin/condsched/internal/server"
	"github.com/loykin/condsched/internal/task"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Task = task.Task

type Mode = task.Mode

type Func = task.Func

type Condition = condition.Condition

type Config = scheduler.Config

type Record = history.Record

type Action = history.Action

type TaskStatus = scheduler.TaskStatus

type HistorySink = history.Sink

type FileConfig = cfg.Config

const (
	ModeMain    = task.ModeMain
	ModeThread  = task.ModeThread
	ModeProcess = task.ModeProcess
	ModeAsync   = task.ModeAsync
)

var (
	ErrTerminated     = task.ErrTerminated
	ErrDuplicateTask  = scheduler.ErrDuplicateTask
	ErrInvalidTask    = scheduler.ErrInvalidTask
	ErrAlreadyRunning = scheduler.ErrAlreadyRunning
)

// DefaultConfig never shuts down by itself and allows one process per CPU.
func DefaultConfig() Config { return scheduler.DefaultConfig() }

// ParseCondition parses a condition expression such as
// `TaskStarted(task="fetch") >= 3 | ~SchedulerStarted(period=1h)`.
func ParseCondition(expr string) (Condition, error) { return condition.Parse(expr) }

// RegisterFunc names fn so process-mode tasks and config files can refer to it.
func RegisterFunc(name string, fn Func) { task.Register(name, fn) }

// ChildMain runs a process-mode Func and exits when the binary was started
// as a task child; otherwise it returns immediately.
func ChildMain() { backend.ChildMain() }

// Options wire the ambient services around a scheduler.
type Options struct {
	// Log routes process task output to rotated files; the scheduler's own
	// logging goes through slog.Default.
	Log logger.Config
	// HistorySinks are DSNs run records are exported to.
	HistorySinks        []string
	Sinks               []HistorySink
	HistoryBuffer       int
	HistoryCloseTimeout time.Duration
	// Metrics registers Prometheus collectors with Registerer, or the
	// default registerer when nil.
	Metrics         bool
	Registerer      prometheus.Registerer
	ProcessSampling metrics.ProcessSamplerConfig
	// Server, when enabled, serves the inspection API while Run executes.
	Server cfg.ServerConfig
}

// Scheduler is a scheduler with its history export, metrics and HTTP API.
type Scheduler struct {
	*scheduler.Scheduler

	opts     Options
	exporter *history.Exporter
	outputs  *logger.TaskOutputs
	sampler  *metrics.ProcessSampler
}

// New builds a scheduler. Sinks named by DSN are opened here.
func New(c Config, opts Options) (*Scheduler, error) {
	sinks := append([]HistorySink(nil), opts.Sinks...)
	for _, dsn := range opts.HistorySinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, sink)
	}

	s := &Scheduler{opts: opts, outputs: logger.NewTaskOutputs(opts.Log)}
	log := history.NewLog()
	if len(sinks) > 0 {
		s.exporter = history.NewExporter(opts.HistoryBuffer, sinks...)
		s.exporter.Attach(log)
	}

	if opts.Metrics {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			s.closeServices()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.sampler = metrics.NewProcessSampler(opts.ProcessSampling)
		if err := s.sampler.RegisterMetrics(reg); err != nil {
			s.closeServices()
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
	}

	inner, err := scheduler.New(c, scheduler.WithHistory(log), scheduler.WithProcessOutput(s.outputs.Writers))
	if err != nil {
		s.closeServices()
		return nil, err
	}
	s.Scheduler = inner
	return s, nil
}

// FromConfig builds a scheduler and registers every task of a loaded file.
func FromConfig(fc *FileConfig) (*Scheduler, error) {
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	sc, err := fc.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	tasks, err := fc.BuildTasks()
	if err != nil {
		return nil, err
	}
	s, err := New(sc, Options{
		Log:                 fc.Log,
		HistorySinks:        fc.History.Sinks,
		HistoryBuffer:       fc.History.Buffer,
		HistoryCloseTimeout: fc.History.CloseTimeout,
		Metrics:             fc.Metrics.Enabled,
		ProcessSampling:     fc.Metrics.Process,
		Server:              fc.Server,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := s.Register(t); err != nil {
			s.closeServices()
			return nil, err
		}
	}
	return s, nil
}

// LoadConfig reads a TOML or YAML config file.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// Run starts the HTTP API and process sampling if configured, runs the
// scheduler until it stops, then flushes history sinks. Errors closing the
// services are returned; abandoned instances are only logged.
func (s *Scheduler) Run(ctx context.Context) error {
	var srv *http.Server
	if s.opts.Server.Enabled {
		var err error
		srv, err = iapi.NewServer(s.opts.Server.Listen, s.opts.Server.BasePath, s.Scheduler, s.opts.Metrics)
		if err != nil {
			return multierror.Append(err, s.closeServices()).ErrorOrNil()
		}
		slog.Info("HTTP API listening", "addr", srv.Addr, "base_path", s.opts.Server.BasePath)
	}
	if s.sampler != nil {
		s.sampler.Start(ctx, s.processTargets)
	}

	runErr := s.Scheduler.Run(ctx)

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if err := s.closeServices(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// HistoryDropped reports records the exporter could not queue.
func (s *Scheduler) HistoryDropped() uint64 {
	if s.exporter == nil {
		return 0
	}
	return s.exporter.Dropped()
}

func (s *Scheduler) processTargets() []metrics.Target {
	infos := s.ProcessPIDs()
	out := make([]metrics.Target, 0, len(infos))
	for _, in := range infos {
		out = append(out, metrics.Target{Task: in.Task, Instance: in.ID, PID: int32(in.PID)})
	}
	return out
}

func (s *Scheduler) closeServices() error {
	var result *multierror.Error
	if s.sampler != nil {
		s.sampler.Stop()
	}
	if s.exporter != nil {
		wait := s.opts.HistoryCloseTimeout
		if wait <= 0 {
			wait = 5 * time.Second
		}
		if err := s.exporter.Close(wait); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.outputs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func closeSinks(sinks []HistorySink) {
	for _, sink := range sinks {
		if c, ok := sink.(history.Closer); ok {
			_ = c.Close()
		}
	}
}

// RegisterMetrics registers the scheduler collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
