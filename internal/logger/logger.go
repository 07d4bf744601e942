package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats for the scheduler log.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig controls the scheduler's own structured log.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// Path additionally writes the log to a rotated file.
	Path string `mapstructure:"path"`
}

// FileConfig describes where process task output goes.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<task>.stdout.log and Dir/<task>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the logging section of the scheduler configuration.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// DefaultConfig logs colored text at info level to stderr.
func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: true}}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Validate checks level, format and that file paths are absolute.
func (c Config) Validate() error {
	var result *multierror.Error
	if _, err := ParseLevel(c.Slog.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Slog.Format {
	case "", FormatText, FormatJSON:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.Slog.Format))
	}
	for name, p := range map[string]string{"slog.path": c.Slog.Path, "file.dir": c.File.Dir, "file.stdout": c.File.StdoutPath, "file.stderr": c.File.StderrPath} {
		if p != "" && !filepath.IsAbs(p) {
			result = multierror.Append(result, fmt.Errorf("log %s must be an absolute path: %q", name, p))
		}
	}
	return result.ErrorOrNil()
}

// Handler builds the slog handler writing to w.
func (c Config) Handler(w io.Writer) slog.Handler {
	level, _ := ParseLevel(c.Slog.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	if c.Slog.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

// NewSlogger returns a logger writing to stderr and, when Slog.Path is set,
// to a rotated file. The closer releases the file.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.Slog.Path != "" {
		f := c.File.rotated(c.Slog.Path)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
		// no escape codes in files
		c.Slog.Color = false
	}
	return slog.New(c.Handler(w)), closer
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of a task.
// Either is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", sanitize(name)))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", sanitize(name)))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// TaskOutputs hands out one pair of rotated writers per task, shared by all
// of its process instances, so a file is never opened by two loggers.
type TaskOutputs struct {
	cfg Config

	mu      sync.Mutex
	writers map[string][2]io.WriteCloser
}

// NewTaskOutputs returns nil when cfg routes no task output to files.
func NewTaskOutputs(cfg Config) *TaskOutputs {
	if cfg.File.Dir == "" && cfg.File.StdoutPath == "" && cfg.File.StderrPath == "" {
		return nil
	}
	return &TaskOutputs{cfg: cfg, writers: make(map[string][2]io.WriteCloser)}
}

// Writers returns the stdout and stderr destinations for a task. Nil means
// inherit the scheduler's own stream.
func (o *TaskOutputs) Writers(name string) (io.Writer, io.Writer) {
	if o == nil {
		return nil, nil
	}
	key := name
	if o.cfg.File.StdoutPath != "" || o.cfg.File.StderrPath != "" {
		key = ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.writers[key]
	if !ok {
		out, errW, _ := o.cfg.ProcessWriters(name)
		w = [2]io.WriteCloser{out, errW}
		o.writers[key] = w
	}
	return asWriter(w[0]), asWriter(w[1])
}

func asWriter(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

// Close closes every writer handed out so far.
func (o *TaskOutputs) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var result *multierror.Error
	for key, pair := range o.writers {
		for _, w := range pair {
			if w != nil {
				if err := w.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		delete(o.writers, key)
	}
	return result.ErrorOrNil()
}
