package condsched

import (
	"context"
	"database/sql"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	cfg "github.com/loykin/condsched/internal/config"
	"github.com/loykin/condsched/internal/history"
)

func TestMain(m *testing.M) {
	ChildMain()
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type memSink struct {
	mu   sync.Mutex
	recs []history.Record
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, e.Record)
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestFacade_RunExportsHistory(t *testing.T) {
	shut, err := ParseCondition(`TaskSucceeded(task="hello") >= 2`)
	require.NoError(t, err)
	c := DefaultConfig()
	c.ShutCond = shut
	c.CycleSleep = time.Millisecond

	sink := &memSink{}
	s, err := New(c, Options{Sinks: []HistorySink{sink}})
	require.NoError(t, err)
	require.NoError(t, s.Register(Task{
		Name:      "hello",
		Mode:      ModeThread,
		StartCond: mustParse(t, "true"),
		Func:      func(context.Context) error { return nil },
	}))
	require.ErrorIs(t, s.Register(Task{Name: "hello", Func: func(context.Context) error { return nil }}), ErrDuplicateTask)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, s.History().Count(history.Filter{Task: "hello", Actions: []history.Action{history.ActionSuccess}}))
	assert.Equal(t, s.History().Len(), sink.len(), "every record reaches the sink before Run returns")
	assert.Zero(t, s.HistoryDropped())
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

type closingSink struct {
	memSink
	closed int
}

func (c *closingSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func TestFacade_RunClosesServicesWhenServerFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	c := DefaultConfig()
	c.ShutCond = mustParse(t, "true")
	sink := &closingSink{}
	s, err := New(c, Options{
		Sinks:  []HistorySink{sink},
		Server: cfg.ServerConfig{Enabled: true, Listen: ln.Addr().String()},
	})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.closed, "sinks are closed when the API cannot start")
}

func mustParse(t *testing.T, expr string) Condition {
	t.Helper()
	c, err := ParseCondition(expr)
	require.NoError(t, err)
	return c
}

func TestFacade_BadSinkDSN(t *testing.T) {
	_, err := New(DefaultConfig(), Options{HistorySinks: []string{"kafka://nowhere"}})
	assert.ErrorContains(t, err, "kafka://nowhere")
}

func TestFacade_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := DefaultConfig()
	c.ShutCond = mustParse(t, "SchedulerCycles() >= 2")
	c.CycleSleep = time.Millisecond
	s, err := New(c, Options{Metrics: true, Registerer: reg})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "condsched_scheduler_cycles_total")
}

func TestFromConfig_EndToEnd(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "history.db")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))

	data := `
env = ["GREETING=hi"]

[scheduler]
shut_cond = 'TaskFinished(task="greet") >= 1'
max_process_count = 2
cycle_sleep = "5ms"

[log.file]
dir = "` + out + `"

[history]
sinks = ["sqlite://` + db + `"]

[[tasks]]
name = "greet"
command = "echo $GREETING from $WHO"
start_cond = "TaskStarted() == 0"
env = ["WHO=condsched"]
`
	p := filepath.Join(dir, "condsched.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))

	fc, err := LoadConfig(p)
	require.NoError(t, err)
	s, err := FromConfig(fc)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	st, ok := s.Task("greet")
	require.True(t, ok)
	assert.Equal(t, history.ActionSuccess, st.LastAction)

	b, err := os.ReadFile(filepath.Join(out, "greet.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hi from condsched", strings.TrimSpace(string(b)))

	conn, err := sql.Open("sqlite", db)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM task_history WHERE task = 'greet'`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestFromConfig_InvalidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(p, []byte("[[tasks]]\nname = \"x\"\nstart_cond = \"Nope()\"\ncommand = \"true\"\n"), 0o644))
	fc, err := LoadConfig(p)
	require.NoError(t, err)
	_, err = FromConfig(fc)
	assert.ErrorContains(t, err, "Nope")
}
