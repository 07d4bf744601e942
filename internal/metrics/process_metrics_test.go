package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSampler_CollectSelf(t *testing.T) {
	s := NewProcessSampler(ProcessSamplerConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	pid := int32(os.Getpid())
	s.Collect([]Target{{Task: "self", Instance: "i1", PID: pid}, {Task: "none", Instance: "i0"}})

	sample, ok := s.Sample("i1")
	require.True(t, ok)
	assert.Equal(t, pid, sample.PID)
	assert.Positive(t, sample.MemoryRSS)
	assert.Len(t, s.Samples(), 1)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["condsched_process_memory_mb"])

	s.Collect(nil)
	_, ok = s.Sample("i1")
	assert.False(t, ok, "instances not listed are forgotten")
	assert.Empty(t, s.Samples())
}

func TestProcessSampler_MissingProcess(t *testing.T) {
	s := NewProcessSampler(ProcessSamplerConfig{Enabled: true})
	s.Collect([]Target{{Task: "gone", Instance: "x", PID: 1 << 30}})
	_, ok := s.Sample("x")
	assert.False(t, ok)
}

func TestProcessSampler_StartStop(t *testing.T) {
	s := NewProcessSampler(ProcessSamplerConfig{Enabled: true, Interval: 10 * time.Millisecond})
	pid := int32(os.Getpid())
	s.Start(context.Background(), func() []Target {
		return []Target{{Task: "self", Instance: "loop", PID: pid}}
	})
	require.Eventually(t, func() bool {
		_, ok := s.Sample("loop")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestProcessSampler_Disabled(t *testing.T) {
	s := NewProcessSampler(ProcessSamplerConfig{})
	assert.False(t, s.IsEnabled())
	assert.NoError(t, s.RegisterMetrics(prometheus.NewRegistry()))
	s.Start(context.Background(), func() []Target { t.Fatal("must not sample"); return nil })
	s.Stop()
}
