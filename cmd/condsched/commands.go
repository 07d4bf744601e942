package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/condsched"
	"github.com/loykin/condsched/internal/condition"
	"github.com/loykin/condsched/internal/history"
)

// runScheduler loads the config, installs the logger and runs until the
// shut condition holds or SIGINT/SIGTERM arrives.
func runScheduler(ctx context.Context, path string) error {
	fc, err := condsched.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := fc.Log.Validate(); err != nil {
		return err
	}
	l, closer := fc.Log.NewSlogger()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(l)

	s, err := condsched.FromConfig(fc)
	if err != nil {
		return err
	}
	fc.Watch(s)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func validateConfig(w io.Writer, path string) error {
	fc, err := condsched.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	tasks, err := fc.BuildTasks()
	if err != nil {
		return err
	}
	sc, err := fc.SchedulerConfig()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s is valid: %d tasks, shut_cond %s, max_process_count %d\n",
		path, len(tasks), sc.ShutCond, sc.MaxProcessCount)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tMODE\tPRIORITY\tSTART\tEND")
	for _, t := range tasks {
		end := "-"
		if t.EndCond != nil {
			end = t.EndCond.String()
		}
		start := "false"
		if t.StartCond != nil {
			start = t.StartCond.String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.Name, t.Mode, t.Priority, start, end)
	}
	return tw.Flush()
}

func checkCondition(w io.Writer, f CheckFlags) error {
	c, err := condition.Parse(f.Expr)
	if err != nil {
		return err
	}
	if err := condition.Validate(c, f.Task != ""); err != nil {
		return err
	}
	now := time.Now()
	st := condition.State{History: history.NewLog(), StartedAt: now, Now: now, Task: f.Task}
	_, _ = fmt.Fprintf(w, "%s\n=> %t on an empty history\n", c, condition.Evaluate(c, st))
	return nil
}

func showStatus(w io.Writer, c *APIClient) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "phase %s, cycles %d, uptime %s, live %d, free process capacity %t\n",
		st.Phase, st.Cycles, st.Uptime, st.NAlive, st.HasFreeCapacity)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tMODE\tPRIO\tLIVE\tLAST\tSTATE")
	for _, t := range st.Tasks {
		state := "enabled"
		if t.Disabled {
			state = "disabled"
		}
		last := "-"
		if t.LastAction != "" {
			last = string(t.LastAction)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", t.Name, t.Mode, t.Priority, len(t.Instances), last, state)
	}
	return tw.Flush()
}

func showHistory(w io.Writer, c *APIClient, f HistoryFlags) error {
	recs, err := c.History(f.Task, f.Action, f.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTASK\tACTION\tINSTANCE\tERROR")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Format(time.RFC3339Nano), r.Task, r.Action, shortID(r.Instance), firstLine(r.ExcText))
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
