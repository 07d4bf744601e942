package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/condsched/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	now := time.Now().UTC()
	actions := []history.Action{history.ActionRun, history.ActionRun, history.ActionTerminate, history.ActionTerminate}
	for i, a := range actions {
		e := history.Event{OccurredAt: now, Record: history.Record{Seq: uint64(i + 1), Task: "slow task", Action: a, Time: now}}
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Actions(ctx, "slow task")
	require.NoError(t, err)
	assert.Equal(t, actions, got)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := history.Event{OccurredAt: time.Now().UTC(), Record: history.Record{Seq: 1, Task: "a", Action: history.ActionFail, ExcText: "oops"}}
	require.NoError(t, sink.Send(ctx, e))

	var exc string
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT exc_text FROM task_history").Scan(&exc))
	assert.Equal(t, "oops", exc)
}

func TestSQLiteSink_DedupAndCounts(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	recs := []history.Record{
		{Seq: 1, Task: "etl", Action: history.ActionRun, Instance: "a", Time: now},
		{Seq: 2, Task: "etl", Action: history.ActionSuccess, Instance: "a", Time: now},
		{Seq: 3, Task: "etl", Action: history.ActionRun, Instance: "b", Time: now},
		{Seq: 4, Task: "etl", Action: history.ActionCrash, Instance: "b", Time: now},
	}
	for _, r := range recs {
		require.NoError(t, sink.Send(ctx, history.Event{OccurredAt: now, Record: r}))
	}
	require.NoError(t, sink.Send(ctx, history.Event{OccurredAt: now, Record: recs[1]}), "resend is ignored")

	counts, err := sink.Counts(ctx, "etl")
	require.NoError(t, err)
	assert.Equal(t, map[history.Action]int{
		history.ActionRun:     2,
		history.ActionSuccess: 1,
		history.ActionCrash:   1,
	}, counts)

	counts, err = sink.Counts(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sink.Send(ctx, history.Event{Record: history.Record{Task: "cancelled", Action: history.ActionRun}})
	assert.Error(t, err)
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
