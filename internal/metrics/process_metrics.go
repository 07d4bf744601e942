package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample holds CPU and memory figures of one process-mode instance.
type ProcessSample struct {
	Task       string    `json:"task"`
	Instance   string    `json:"instance"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Target identifies a live process instance to sample.
type Target struct {
	Task     string
	Instance string
	PID      int32
}

// ProcessSamplerConfig holds configuration for process sampling.
type ProcessSamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessSampler periodically samples live process instances with gopsutil
// and exports the figures as gauges.
type ProcessSampler struct {
	enabled  bool
	interval time.Duration

	mu    sync.RWMutex
	last  map[string]ProcessSample    // instance -> sample
	procs map[string]*process.Process // kept so CPUPercent has a previous reading

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessSampler creates a sampler; Interval defaults to 5s.
func NewProcessSampler(cfg ProcessSamplerConfig) *ProcessSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "condsched",
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"task", "instance"})
	}
	return &ProcessSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		last:       make(map[string]ProcessSample),
		procs:      make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of process-mode instances."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of process-mode instances."),
		numThreads: gauge("num_threads", "Number of threads of process-mode instances."),
		numFDs:     gauge("num_fds", "Number of file descriptors of process-mode instances (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets() every interval until ctx is done or Stop is called.
func (s *ProcessSampler) Start(ctx context.Context, targets func() []Target) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(targets())
			}
		}
	}()
}

// Stop ends periodic sampling.
func (s *ProcessSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect samples every target once and forgets instances not listed.
func (s *ProcessSampler) Collect(targets []Target) {
	now := time.Now()
	active := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		active[t.Instance] = true
		sample, err := s.sample(t, now)
		if err != nil {
			slog.Debug("Failed to sample process", "task", t.Task, "instance", t.Instance, "pid", t.PID, "error", err)
			continue
		}
		s.cpuPercent.WithLabelValues(t.Task, t.Instance).Set(sample.CPUPercent)
		s.memoryMB.WithLabelValues(t.Task, t.Instance).Set(sample.MemoryMB)
		s.numThreads.WithLabelValues(t.Task, t.Instance).Set(float64(sample.NumThreads))
		if runtime.GOOS != "windows" && sample.NumFDs > 0 {
			s.numFDs.WithLabelValues(t.Task, t.Instance).Set(float64(sample.NumFDs))
		}
		s.mu.Lock()
		s.last[t.Instance] = sample
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sample := range s.last {
		if active[id] {
			continue
		}
		s.cpuPercent.DeleteLabelValues(sample.Task, id)
		s.memoryMB.DeleteLabelValues(sample.Task, id)
		s.numThreads.DeleteLabelValues(sample.Task, id)
		s.numFDs.DeleteLabelValues(sample.Task, id)
		delete(s.last, id)
	}
	for id := range s.procs {
		if !active[id] {
			delete(s.procs, id)
		}
	}
}

func (s *ProcessSampler) sample(t Target, now time.Time) (ProcessSample, error) {
	s.mu.Lock()
	proc, ok := s.procs[t.Instance]
	s.mu.Unlock()
	if !ok || proc.Pid != t.PID {
		var err error
		proc, err = process.NewProcess(t.PID)
		if err != nil {
			return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.mu.Lock()
		s.procs[t.Instance] = proc
		s.mu.Unlock()
	}

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	out := ProcessSample{
		Task:       t.Task,
		Instance:   t.Instance,
		PID:        t.PID,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

// Sample returns the last sample of an instance.
func (s *ProcessSampler) Sample(instance string) (ProcessSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.last[instance]
	return v, ok
}

// Samples returns the last sample of every instance, ordered by task then instance.
func (s *ProcessSampler) Samples() []ProcessSample {
	s.mu.RLock()
	out := make([]ProcessSample, 0, len(s.last))
	for _, v := range s.last {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// IsEnabled reports whether sampling is on.
func (s *ProcessSampler) IsEnabled() bool { return s.enabled }
