package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/condsched/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	now := time.Now().UTC()
	events := []history.Event{
		{OccurredAt: now, Record: history.Record{Seq: 1, Task: "backup", Action: history.ActionRun, Time: now, Instance: "i1"}},
		{OccurredAt: now, Record: history.Record{Seq: 2, Task: "backup", Action: history.ActionFail, Time: now.Add(time.Second), ExcText: "disk full", Instance: "i1"}},
		{OccurredAt: now, Record: history.Record{Seq: 3, Task: "vacuum", Action: history.ActionSuccess, Time: now, Instance: "i2"}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}
	// A retried export of the same record is ignored.
	if err := sink.Send(ctx, events[1]); err != nil {
		t.Fatalf("Failed to resend event: %v", err)
	}

	var count int
	if err := sink.pool.QueryRow(ctx, "SELECT COUNT(*) FROM task_history WHERE task = $1", "backup").Scan(&count); err != nil {
		t.Fatalf("Failed to query task_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 records for backup, got %d", count)
	}

	last, err := sink.LastOutcomes(ctx)
	if err != nil {
		t.Fatalf("LastOutcomes failed: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("Expected outcomes for 2 tasks, got %v", last)
	}
	if got := last["backup"]; got.Action != history.ActionFail || got.ExcText != "disk full" {
		t.Errorf("backup outcome = %+v", got)
	}
	if got := last["vacuum"]; got.Action != history.ActionSuccess {
		t.Errorf("vacuum outcome = %+v", got)
	}
}

func TestNew_BadDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := New("postgres://%zz"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
