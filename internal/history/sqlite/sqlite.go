package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/condsched/internal/history"
)

// Sink writes run records to a SQLite database. Records carrying an
// instance id are unique per (instance, action); a re-sent record is ignored.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive between statements.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_history(
			seq INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			task TEXT NOT NULL,
			action TEXT NOT NULL,
			instance TEXT NOT NULL DEFAULT '',
			exc_text TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_history_instance_action
			ON task_history(instance, action) WHERE instance <> '';`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var exc any
	if rec.ExcText != "" {
		exc = rec.ExcText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_history(seq, occurred_at, task, action, instance, exc_text)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.Seq, rec.Time.UTC(), rec.Task, string(rec.Action), rec.Instance, exc)
	return err
}

// Actions returns the recorded actions for task in insertion order.
func (s *Sink) Actions(ctx context.Context, task string) ([]history.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action FROM task_history WHERE task = ? ORDER BY seq`, task)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Action
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, history.Action(a))
	}
	return out, rows.Err()
}

// Counts returns how many records of each action task has, the same
// tallies the condition counters are built from.
func (s *Sink) Counts(ctx context.Context, task string) (map[history.Action]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM task_history WHERE task = ? GROUP BY action`, task)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[history.Action]int)
	for rows.Next() {
		var (
			a string
			n int
		)
		if err := rows.Scan(&a, &n); err != nil {
			return nil, err
		}
		out[history.Action(a)] = n
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
