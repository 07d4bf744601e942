package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Event is a history record exported to external systems.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// DefaultExportBuffer is the queue length used by NewExporter when size <= 0.
const DefaultExportBuffer = 1024

// Exporter forwards appended records to sinks on a background goroutine so a
// slow database never stalls the scheduler loop. Events are delivered in
// append order. When the queue is full the event is dropped and counted.
type Exporter struct {
	sinks   []Sink
	queue   chan Event
	done    chan struct{}
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewExporter starts an exporter over sinks.
func NewExporter(size int, sinks ...Sink) *Exporter {
	if size <= 0 {
		size = DefaultExportBuffer
	}
	e := &Exporter{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go e.run()
	return e
}

// Attach makes the exporter receive every record appended to l.
func (e *Exporter) Attach(l *Log) {
	l.OnAppend(e.Publish)
}

// Publish queues a record for export without blocking.
func (e *Exporter) Publish(r Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- Event{OccurredAt: time.Now().UTC(), Record: r}:
	default:
		e.dropped++
	}
}

// Dropped returns the number of events lost to a full queue.
func (e *Exporter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Exporter) run() {
	defer close(e.done)
	for ev := range e.queue {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			if err := s.Send(ctx, ev); err != nil {
				slog.Warn("History sink send failed", "task", ev.Record.Task, "action", ev.Record.Action, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, waits up to wait for delivery and closes
// sinks that implement Closer.
func (e *Exporter) Close(wait time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	var result *multierror.Error
	select {
	case <-e.done:
	case <-time.After(wait):
		result = multierror.Append(result, errors.New("history exporter: timed out draining events"))
	}
	for _, s := range e.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
