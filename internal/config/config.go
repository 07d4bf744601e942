package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/loykin/condsched/internal/condition"
	"github.com/loykin/condsched/internal/logger"
	"github.com/loykin/condsched/internal/metrics"
	"github.com/loykin/condsched/internal/scheduler"
	"github.com/loykin/condsched/internal/task"
)

// EnvPrefix prefixes environment overrides, e.g. CONDSCHED_SCHEDULER_MAX_PROCESS_COUNT.
const EnvPrefix = "CONDSCHED"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env       []string        `toml:"env" mapstructure:"env"`
	EnvFiles  []string        `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool            `toml:"use_os_env" mapstructure:"use_os_env"`
	Scheduler SchedulerConfig `toml:"scheduler" mapstructure:"scheduler"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Tasks     []TaskConfig    `toml:"tasks" mapstructure:"tasks"`
}

type SchedulerConfig struct {
	ShutCond        string         `toml:"shut_cond" mapstructure:"shut_cond"`
	MaxProcessCount int            `toml:"max_process_count" mapstructure:"max_process_count"`
	InstantShutdown bool           `toml:"instant_shutdown" mapstructure:"instant_shutdown"`
	TasksAsDaemon   bool           `toml:"tasks_as_daemon" mapstructure:"tasks_as_daemon"`
	CycleSleep      time.Duration  `toml:"cycle_sleep" mapstructure:"cycle_sleep"`
	ShutdownGrace   time.Duration  `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
	KillGrace       time.Duration  `toml:"kill_grace" mapstructure:"kill_grace"`
	Limits          map[string]int `toml:"limits" mapstructure:"limits"`
}

type TaskConfig struct {
	Name        string   `toml:"name" mapstructure:"name"`
	StartCond   string   `toml:"start_cond" mapstructure:"start_cond"`
	EndCond     string   `toml:"end_cond" mapstructure:"end_cond"`
	Mode        string   `toml:"mode" mapstructure:"mode"`
	Priority    int      `toml:"priority" mapstructure:"priority"`
	Permanent   bool     `toml:"permanent" mapstructure:"permanent"`
	Multilaunch bool     `toml:"multilaunch" mapstructure:"multilaunch"`
	OnShutdown  bool     `toml:"on_shutdown" mapstructure:"on_shutdown"`
	Disabled    bool     `toml:"disabled" mapstructure:"disabled"`
	Func        string   `toml:"func" mapstructure:"func"`
	Command     string   `toml:"command" mapstructure:"command"`
	WorkDir     string   `toml:"workdir" mapstructure:"workdir"`
	Env         []string `toml:"env" mapstructure:"env"`
}

// HistoryConfig lists the sinks run records are exported to, as DSNs
// understood by the history factory.
type HistoryConfig struct {
	Sinks        []string      `toml:"sinks" mapstructure:"sinks"`
	Buffer       int           `toml:"buffer" mapstructure:"buffer"`
	CloseTimeout time.Duration `toml:"close_timeout" mapstructure:"close_timeout"`
}

type MetricsConfig struct {
	Enabled bool                         `toml:"enabled" mapstructure:"enabled"`
	Process metrics.ProcessSamplerConfig `toml:"process" mapstructure:"process"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Config is a loaded configuration file.
type Config struct {
	FileConfig
	Path string

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.shut_cond", "false")
	v.SetDefault("scheduler.max_process_count", runtime.NumCPU())
	v.SetDefault("scheduler.cycle_sleep", scheduler.DefaultCycleSleep)
	v.SetDefault("scheduler.shutdown_grace", scheduler.DefaultShutdownGrace)
	v.SetDefault("scheduler.kill_grace", scheduler.DefaultKillGrace)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("history.buffer", 1024)
	v.SetDefault("history.close_timeout", 5*time.Second)
	v.SetDefault("metrics.process.interval", 5*time.Second)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads a TOML or YAML config file. Values can be overridden with
// CONDSCHED_* environment variables.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := &Config{Path: path, v: v}
	if err := v.Unmarshal(&c.FileConfig); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return c, nil
}

// Validate reports every problem in the file at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if _, err := c.SchedulerConfig(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Log.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, tc := range c.Tasks {
		if tc.Name != "" && seen[tc.Name] {
			result = multierror.Append(result, fmt.Errorf("tasks[%d]: %w: %q", i, scheduler.ErrDuplicateTask, tc.Name))
		}
		seen[tc.Name] = true
		if _, err := tc.build(nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	for i, dsn := range c.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			result = multierror.Append(result, fmt.Errorf("history.sinks[%d]: empty DSN", i))
		}
	}
	if c.Metrics.Process.Enabled && c.Metrics.Process.Interval <= 0 {
		result = multierror.Append(result, errors.New("metrics.process.interval must be positive"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		result = multierror.Append(result, errors.New("server.listen is required when the server is enabled"))
	}
	return result.ErrorOrNil()
}

// SchedulerConfig converts the [scheduler] section.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	sc := c.Scheduler
	var result *multierror.Error
	cfg := scheduler.Config{
		MaxProcessCount: sc.MaxProcessCount,
		InstantShutdown: sc.InstantShutdown,
		TasksAsDaemon:   sc.TasksAsDaemon,
		CycleSleep:      sc.CycleSleep,
		ShutdownGrace:   sc.ShutdownGrace,
		KillGrace:       sc.KillGrace,
	}
	shut, err := condition.Parse(sc.ShutCond)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler.shut_cond: %w", err))
	} else if err := condition.Validate(shut, false); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler.shut_cond: %w", err))
	}
	cfg.ShutCond = shut
	if sc.MaxProcessCount < 0 {
		result = multierror.Append(result, fmt.Errorf("scheduler.max_process_count must be >= 0, got %d", sc.MaxProcessCount))
	}
	if len(sc.Limits) > 0 {
		cfg.Limits = make(map[task.Mode]int, len(sc.Limits))
		for k, n := range sc.Limits {
			m, err := task.ParseMode(k)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("scheduler.limits: %w", err))
				continue
			}
			cfg.Limits[m] = n
		}
	}
	return cfg, result.ErrorOrNil()
}

// BuildTasks converts the [[tasks]] entries. Global env (see LoadGlobalEnv)
// is applied below each task's own env.
func (c *Config) BuildTasks() ([]task.Task, error) {
	global, err := c.globalEnv()
	if err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(c.Tasks))
	var result *multierror.Error
	for i, tc := range c.Tasks {
		t, err := tc.build(global)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("tasks[%d]: %w", i, err))
			continue
		}
		out = append(out, t)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tc TaskConfig) build(globalEnv []string) (task.Task, error) {
	var result *multierror.Error
	mode, err := task.ParseMode(tc.Mode)
	if err != nil {
		result = multierror.Append(result, err)
	}
	t := task.Task{
		Name:        tc.Name,
		Mode:        mode,
		Priority:    tc.Priority,
		Permanent:   tc.Permanent,
		Multilaunch: tc.Multilaunch,
		OnShutdown:  tc.OnShutdown,
		Disabled:    tc.Disabled,
		FuncName:    tc.Func,
		Command:     tc.Command,
		WorkDir:     tc.WorkDir,
		Env:         mergeEnv(globalEnv, tc.Env),
	}
	if tc.Command != "" && tc.Mode == "" {
		t.Mode = task.ModeProcess
	}
	for _, c := range []struct {
		field string
		src   string
		dst   *condition.Condition
	}{
		{"start_cond", tc.StartCond, &t.StartCond},
		{"end_cond", tc.EndCond, &t.EndCond},
	} {
		if strings.TrimSpace(c.src) == "" {
			continue
		}
		cond, err := condition.Parse(c.src)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.field, err))
			continue
		}
		if err := condition.Validate(cond, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.field, err))
			continue
		}
		*c.dst = cond
	}
	if err := result.ErrorOrNil(); err != nil {
		return t, fmt.Errorf("task %q: %w", tc.Name, err)
	}
	if tc.Func != "" && tc.Command == "" {
		if err := t.Resolve(); err != nil {
			return t, err
		}
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func mergeEnv(base, over []string) []string {
	if len(base) == 0 {
		return over
	}
	m := make(map[string]string, len(base)+len(over))
	for _, kv := range append(append([]string(nil), base...), over...) {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Config) globalEnv() ([]string, error) {
	if len(c.Env) == 0 && len(c.EnvFiles) == 0 && !c.UseOSEnv {
		return nil, nil
	}
	return globalEnv(c.FileConfig, filepath.Dir(c.Path))
}

// LoadGlobalEnv returns the environment every task of the file inherits.
// OS env (with use_os_env) is the base, env_files apply in order and the
// top-level env list wins. Relative env_files resolve against the config
// file's directory.
func LoadGlobalEnv(path string) ([]string, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return globalEnv(c.FileConfig, filepath.Dir(path))
}

func globalEnv(fc FileConfig, baseDir string) ([]string, error) {
	m := make(map[string]string)
	set := func(pairs []string) {
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	if fc.UseOSEnv {
		set(os.Environ())
	}
	for _, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		set(pairs)
	}
	set(fc.Env)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile reads a dotenv file into sorted KEY=VALUE pairs.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile accepts KEY=VALUE lines, an optional "export " prefix and
// values wrapped in matching single or double quotes. # starts a comment line.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(map[string]string)
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, n+1)
		}
		m[strings.TrimSpace(line[:i])] = unquote(strings.TrimSpace(line[i+1:]))
	}
	return m, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Toggler receives the runtime flags that may change while running.
type Toggler interface {
	SetDisabled(name string, disabled bool) error
	SetInstantShutdown(v bool)
}

// Watch re-reads the file whenever it changes and applies task `disabled`
// flags and scheduler.instant_shutdown to t. Other edits need a restart.
func (c *Config) Watch(t Toggler) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var fc FileConfig
		if err := c.v.Unmarshal(&fc); err != nil {
			slog.Warn("Ignoring unreadable config change", "path", c.Path, "error", err)
			return
		}
		c.apply(fc, t)
	})
	c.v.WatchConfig()
}

func (c *Config) apply(fc FileConfig, t Toggler) {
	if fc.Scheduler.InstantShutdown != c.Scheduler.InstantShutdown {
		slog.Info("Config changed", "instant_shutdown", fc.Scheduler.InstantShutdown)
	}
	t.SetInstantShutdown(fc.Scheduler.InstantShutdown)
	c.Scheduler.InstantShutdown = fc.Scheduler.InstantShutdown
	for _, tc := range fc.Tasks {
		if err := t.SetDisabled(tc.Name, tc.Disabled); err != nil {
			slog.Warn("Config change names an unregistered task", "task", tc.Name, "error", err)
		}
	}
}
