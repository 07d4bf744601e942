package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncLaunch("a", "thread")
	IncLaunch("a", "thread")
	IncOutcome("a", "success")
	IncTerminationRequest("a")
	SetLiveInstances("a", 1)
	ObserveRunDuration("a", 0.5)
	IncCycle()
	IncAdmissionRefusal("a", "process")
	SetFreeProcessSlots(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"condsched_task_launches_total":                false,
		"condsched_task_outcomes_total":                false,
		"condsched_task_termination_requests_total":    false,
		"condsched_task_live_instances":                false,
		"condsched_task_run_duration_seconds":          false,
		"condsched_scheduler_cycles_total":             false,
		"condsched_scheduler_admission_refusals_total": false,
		"condsched_scheduler_free_process_slots":       false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected metric %s", n)
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	assert.NotPanics(t, func() {
		IncLaunch("x", "main")
		IncCycle()
		SetFreeProcessSlots(0)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	IncLaunch("served", "thread")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "condsched_task_launches_total")
}
