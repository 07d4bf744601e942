// Package condition implements the boolean expressions that decide when tasks
// start, when they are terminated and when the scheduler shuts down.
//
// A Condition is a tree of leaves (history counters, cycle counter, uptime,
// cron schedules, constants) joined by All, Any and Not. Evaluation is a pure
// function of the State passed in; nothing is read from global state.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/condsched/internal/history"
)

// Counter is the read side of the history log.
type Counter interface {
	Count(f history.Filter) int
	Last(f history.Filter) (history.Record, bool)
}

// State is everything a condition may look at.
type State struct {
	History   Counter
	Cycles    int64
	StartedAt time.Time
	Now       time.Time
	// Task binds counters that do not name a task explicitly.
	Task string
}

// Uptime returns the time elapsed since the scheduler started.
func (s State) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.Now.Sub(s.StartedAt)
}

// Condition is a node of the expression tree.
type Condition interface {
	Eval(st State) bool
	String() string
}

// Evaluate reports whether c holds in st. A nil condition never holds.
func Evaluate(c Condition, st State) bool {
	if c == nil {
		return false
	}
	return c.Eval(st)
}

// Op is a comparison operator.
type Op int

const (
	OpGt Op = iota
	OpGe
	OpEq
	OpNe
	OpLe
	OpLt
)

var opText = map[Op]string{OpGt: ">", OpGe: ">=", OpEq: "==", OpNe: "!=", OpLe: "<=", OpLt: "<"}

func (o Op) String() string { return opText[o] }

func (o Op) compare(a, b int64) bool {
	switch o {
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLe:
		return a <= b
	case OpLt:
		return a < b
	}
	return false
}

// ---- constants ----

// Const is AlwaysTrue or AlwaysFalse.
type Const bool

var (
	AlwaysTrue  Condition = Const(true)
	AlwaysFalse Condition = Const(false)
)

func (c Const) Eval(State) bool { return bool(c) }

func (c Const) String() string {
	if c {
		return "true"
	}
	return "false"
}

// ---- history counters ----

// CountKind selects which history actions a Count leaf counts.
type CountKind int

const (
	KindStarted CountKind = iota
	KindFinished
	KindSucceeded
	KindFailed
	KindTerminated
	KindCrashed
)

var kindNames = map[CountKind]string{
	KindStarted:    "TaskStarted",
	KindFinished:   "TaskFinished",
	KindSucceeded:  "TaskSucceeded",
	KindFailed:     "TaskFailed",
	KindTerminated: "TaskTerminated",
	KindCrashed:    "TaskCrashed",
}

func (k CountKind) actions() []history.Action {
	switch k {
	case KindStarted:
		return []history.Action{history.ActionRun}
	case KindFinished:
		return history.FinishedActions
	case KindSucceeded:
		return []history.Action{history.ActionSuccess}
	case KindFailed:
		return []history.Action{history.ActionFail}
	case KindTerminated:
		return []history.Action{history.ActionTerminate}
	case KindCrashed:
		return []history.Action{history.ActionCrash}
	}
	return nil
}

// Count compares the number of matching history records against Value.
// An empty Task binds to State.Task at evaluation time.
type Count struct {
	Kind   CountKind
	Task   string
	Period time.Duration // 0 = whole history
	Op     Op
	Value  int64
	bare   bool
}

func newCount(kind CountKind, task string) Count {
	return Count{Kind: kind, Task: task, Op: OpGt, Value: 0, bare: true}
}

// TaskStarted counts run records of task.
func TaskStarted(task string) Count { return newCount(KindStarted, task) }

// TaskFinished counts terminal records (success, fail, terminate, crash).
func TaskFinished(task string) Count { return newCount(KindFinished, task) }

func TaskSucceeded(task string) Count  { return newCount(KindSucceeded, task) }
func TaskFailed(task string) Count     { return newCount(KindFailed, task) }
func TaskTerminated(task string) Count { return newCount(KindTerminated, task) }
func TaskCrashed(task string) Count    { return newCount(KindCrashed, task) }

// Within restricts counting to records newer than d.
func (c Count) Within(d time.Duration) Count { c.Period = d; return c }

func (c Count) cmp(op Op, n int64) Condition {
	c.Op, c.Value, c.bare = op, n, false
	return c
}

func (c Count) Eq(n int64) Condition { return c.cmp(OpEq, n) }
func (c Count) Ne(n int64) Condition { return c.cmp(OpNe, n) }
func (c Count) Ge(n int64) Condition { return c.cmp(OpGe, n) }
func (c Count) Gt(n int64) Condition { return c.cmp(OpGt, n) }
func (c Count) Le(n int64) Condition { return c.cmp(OpLe, n) }
func (c Count) Lt(n int64) Condition { return c.cmp(OpLt, n) }

// Implicit reports whether the leaf binds to the evaluating task.
func (c Count) Implicit() bool { return c.Task == "" }

// N returns the current count in st.
func (c Count) N(st State) int64 {
	task := c.Task
	if task == "" {
		task = st.Task
	}
	if task == "" || st.History == nil {
		return 0
	}
	f := history.Filter{Task: task, Actions: c.Kind.actions()}
	if c.Period > 0 {
		f.Since = st.Now.Add(-c.Period)
	}
	return int64(st.History.Count(f))
}

func (c Count) Eval(st State) bool { return c.Op.compare(c.N(st), c.Value) }

func (c Count) String() string {
	var args []string
	if c.Task != "" {
		args = append(args, "task="+strconv.Quote(c.Task))
	}
	if c.Period > 0 {
		args = append(args, "period="+strconv.Quote(c.Period.String()))
	}
	s := kindNames[c.Kind] + "(" + strings.Join(args, ", ") + ")"
	if c.bare {
		return s
	}
	return fmt.Sprintf("%s %s %d", s, c.Op, c.Value)
}

// ---- scheduler counters ----

// Cycles compares the scheduler cycle counter.
type Cycles struct {
	Op    Op
	Value int64
	bare  bool
}

// SchedulerCycles builds a cycle counter leaf.
func SchedulerCycles() Cycles { return Cycles{Op: OpGt, bare: true} }

func (c Cycles) cmp(op Op, n int64) Condition {
	c.Op, c.Value, c.bare = op, n, false
	return c
}

func (c Cycles) Eq(n int64) Condition { return c.cmp(OpEq, n) }
func (c Cycles) Ne(n int64) Condition { return c.cmp(OpNe, n) }
func (c Cycles) Ge(n int64) Condition { return c.cmp(OpGe, n) }
func (c Cycles) Gt(n int64) Condition { return c.cmp(OpGt, n) }
func (c Cycles) Le(n int64) Condition { return c.cmp(OpLe, n) }
func (c Cycles) Lt(n int64) Condition { return c.cmp(OpLt, n) }

func (c Cycles) Eval(st State) bool { return c.Op.compare(st.Cycles, c.Value) }

func (c Cycles) String() string {
	if c.bare {
		return "SchedulerCycles()"
	}
	return fmt.Sprintf("SchedulerCycles() %s %d", c.Op, c.Value)
}

// Uptime compares time since scheduler start against Value.
type Uptime struct {
	Op      Op
	Value   time.Duration
	started bool // rendered as SchedulerStarted(period=...)
}

// SchedulerStarted holds while the scheduler has been running for at most period.
func SchedulerStarted(period time.Duration) Condition {
	return Uptime{Op: OpLe, Value: period, started: true}
}

// SchedulerUptime compares uptime; use with Ge/Lt etc.
func SchedulerUptime() Uptime { return Uptime{Op: OpGe} }

func (u Uptime) cmp(op Op, d time.Duration) Condition {
	u.Op, u.Value, u.started = op, d, false
	return u
}

func (u Uptime) Ge(d time.Duration) Condition { return u.cmp(OpGe, d) }
func (u Uptime) Gt(d time.Duration) Condition { return u.cmp(OpGt, d) }
func (u Uptime) Le(d time.Duration) Condition { return u.cmp(OpLe, d) }
func (u Uptime) Lt(d time.Duration) Condition { return u.cmp(OpLt, d) }

func (u Uptime) Eval(st State) bool { return u.Op.compare(int64(st.Uptime()), int64(u.Value)) }

func (u Uptime) String() string {
	if u.started {
		return fmt.Sprintf("SchedulerStarted(period=%q)", u.Value.String())
	}
	return fmt.Sprintf("SchedulerUptime() %s %q", u.Op, u.Value.String())
}

// ---- cron schedule ----

// Schedule holds once a cron activation has passed since the bound task last
// started, or since scheduler start when it never ran.
type Schedule struct {
	Expr  string
	sched cron.Schedule
}

// NewSchedule parses a standard cron expression or descriptor (@every 5m, @daily).
func NewSchedule(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{Expr: expr, sched: s}, nil
}

func (s Schedule) Eval(st State) bool {
	if s.sched == nil {
		return false
	}
	ref := st.StartedAt
	if st.Task != "" && st.History != nil {
		if r, ok := st.History.Last(history.Filter{Task: st.Task, Actions: []history.Action{history.ActionRun}}); ok {
			ref = r.Time
		}
	}
	if ref.IsZero() {
		return false
	}
	return !s.sched.Next(ref).After(st.Now)
}

func (s Schedule) String() string { return fmt.Sprintf("Schedule(expr=%q)", s.Expr) }

// ---- combinators ----

// All holds when every child holds; evaluation stops at the first false child.
type All []Condition

// Any holds when some child holds; evaluation stops at the first true child.
type Any []Condition

// Negation inverts its child.
type Negation struct{ C Condition }

func (a All) Eval(st State) bool {
	for _, c := range a {
		if !Evaluate(c, st) {
			return false
		}
	}
	return true
}

func (a Any) Eval(st State) bool {
	for _, c := range a {
		if Evaluate(c, st) {
			return true
		}
	}
	return false
}

func (n Negation) Eval(st State) bool { return !Evaluate(n.C, st) }

func (a All) String() string { return join(a, " & ") }
func (a Any) String() string { return join(a, " | ") }

func (n Negation) String() string {
	switch n.C.(type) {
	case All, Any:
		return "~" + n.C.String()
	}
	return "~(" + n.C.String() + ")"
}

func join(cs []Condition, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// And combines conditions, flattening nested All nodes.
func And(cs ...Condition) Condition {
	var out All
	for _, c := range cs {
		if inner, ok := c.(All); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, c)
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Or combines conditions, flattening nested Any nodes.
func Or(cs ...Condition) Condition {
	var out Any
	for _, c := range cs {
		if inner, ok := c.(Any); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, c)
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Not negates c; double negation collapses.
func Not(c Condition) Condition {
	if n, ok := c.(Negation); ok {
		return n.C
	}
	return Negation{C: c}
}

// Walk visits c and its descendants depth-first until fn returns false.
func Walk(c Condition, fn func(Condition) bool) bool {
	if c == nil {
		return true
	}
	if !fn(c) {
		return false
	}
	switch n := c.(type) {
	case All:
		for _, ch := range n {
			if !Walk(ch, fn) {
				return false
			}
		}
	case Any:
		for _, ch := range n {
			if !Walk(ch, fn) {
				return false
			}
		}
	case Negation:
		return Walk(n.C, fn)
	}
	return true
}

// UsesImplicitTask reports whether some counter in c binds to the evaluating task.
func UsesImplicitTask(c Condition) bool {
	found := false
	Walk(c, func(n Condition) bool {
		if cnt, ok := n.(Count); ok && cnt.Implicit() {
			found = true
			return false
		}
		return true
	})
	return found
}

// Validate checks a condition used outside any task (such as the shutdown
// condition), where counters must name their task.
func Validate(c Condition, taskBound bool) error {
	if c == nil {
		return nil
	}
	if !taskBound && UsesImplicitTask(c) {
		return fmt.Errorf("condition %s: task counters must name a task here", c)
	}
	return nil
}
