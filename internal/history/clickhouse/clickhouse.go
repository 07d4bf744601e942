package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/condsched/internal/history"
)

// Sink writes run records to a ReplacingMergeTree table, so a record sent
// twice collapses to one row after merges.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "task_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq UInt64,
		occurred_at DateTime64(3),
		exported_at DateTime64(3),
		task LowCardinality(String),
		action LowCardinality(String),
		instance String,
		exc_text String
	) ENGINE = ReplacingMergeTree(exported_at)
	ORDER BY (task, instance, action, seq)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	query := fmt.Sprintf(`INSERT INTO %s (seq, occurred_at, exported_at, task, action, instance, exc_text) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		rec.Seq,
		rec.Time.UTC(),
		e.OccurredAt,
		rec.Task,
		string(rec.Action),
		rec.Instance,
		rec.ExcText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s record of %s into ClickHouse: %w", rec.Action, rec.Task, err)
	}

	return nil
}

// ActionCount is one row of Summary.
type ActionCount struct {
	Task   string `ch:"task"`
	Action string `ch:"action"`
	Count  uint64 `ch:"n"`
}

// Summary counts records per task and action since the given time,
// deduplicated with FINAL.
func (s *Sink) Summary(ctx context.Context, since time.Time) ([]ActionCount, error) {
	var out []ActionCount
	q := fmt.Sprintf(`SELECT task, action, count() AS n FROM %s FINAL
		WHERE occurred_at >= ? GROUP BY task, action ORDER BY task, action`, s.table)
	if err := s.conn.Select(ctx, &out, q, since.UTC()); err != nil {
		return nil, fmt.Errorf("ClickHouse summary: %w", err)
	}
	return out, nil
}
