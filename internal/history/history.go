package history

import (
	"slices"
	"sync"
	"time"
)

// Action is the kind of lifecycle event recorded for a task instance.
type Action string

const (
	ActionRun       Action = "run"
	ActionSuccess   Action = "success"
	ActionFail      Action = "fail"
	ActionTerminate Action = "terminate"
	ActionCrash     Action = "crash"
)

// Terminal reports whether the action ends an instance.
func (a Action) Terminal() bool {
	switch a {
	case ActionSuccess, ActionFail, ActionTerminate, ActionCrash:
		return true
	}
	return false
}

// FinishedActions are all actions that end an instance.
var FinishedActions = []Action{ActionSuccess, ActionFail, ActionTerminate, ActionCrash}

// Record is one immutable history entry.
type Record struct {
	Seq      uint64    `json:"seq"`
	Task     string    `json:"task"`
	Action   Action    `json:"action"`
	Time     time.Time `json:"time"`
	ExcText  string    `json:"exc_text,omitempty"`
	Instance string    `json:"instance,omitempty"`
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Task    string
	Actions []Action
	Since   time.Time // inclusive lower bound on Time
}

func (f Filter) match(r Record) bool {
	if f.Task != "" && r.Task != f.Task {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, r.Action) {
		return false
	}
	if !f.Since.IsZero() && r.Time.Before(f.Since) {
		return false
	}
	return true
}

// Log is an append-only, in-memory record store.
// Records are ordered by (Time, Seq); Time never goes backwards.
// Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []Record
	byTask  map[string][]int
	seq     uint64
	last    time.Time
	now     func() time.Time
	onAdd   func(Record)
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{byTask: make(map[string][]int), now: time.Now}
}

// SetClock overrides the time source; used by tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// OnAppend installs a hook called (outside the lock) after every append.
func (l *Log) OnAppend(fn func(Record)) {
	l.mu.Lock()
	l.onAdd = fn
	l.mu.Unlock()
}

// Append stores a new record and returns it with Seq and Time assigned.
func (l *Log) Append(task string, action Action, instance, excText string) Record {
	l.mu.Lock()
	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	l.seq++
	rec := Record{
		Seq:      l.seq,
		Task:     task,
		Action:   action,
		Time:     ts,
		ExcText:  excText,
		Instance: instance,
	}
	l.records = append(l.records, rec)
	l.byTask[task] = append(l.byTask[task], len(l.records)-1)
	hook := l.onAdd
	l.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return rec
}

// FilterBy returns the matching records in log order.
func (l *Log) FilterBy(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	l.scan(f, func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Count returns the number of matching records.
func (l *Log) Count(f Filter) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	l.scan(f, func(Record) bool {
		n++
		return true
	})
	return n
}

// Last returns the most recent matching record.
func (l *Log) Last(f Filter) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if f.Task != "" {
		idx := l.byTask[f.Task]
		for i := len(idx) - 1; i >= 0; i-- {
			if r := l.records[idx[i]]; f.match(r) {
				return r, true
			}
		}
		return Record{}, false
	}
	for i := len(l.records) - 1; i >= 0; i-- {
		if f.match(l.records[i]) {
			return l.records[i], true
		}
	}
	return Record{}, false
}

// Len returns the total number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Log) scan(f Filter, fn func(Record) bool) {
	if f.Task != "" {
		for _, i := range l.byTask[f.Task] {
			if r := l.records[i]; f.match(r) && !fn(r) {
				return
			}
		}
		return
	}
	for _, r := range l.records {
		if f.match(r) && !fn(r) {
			return
		}
	}
}
