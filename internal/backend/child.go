package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/condsched/internal/task"
)

const (
	childFuncEnv = "CONDSCHED_CHILD_FUNC"
	childTaskEnv = "CONDSCHED_CHILD_TASK"
	reportFD     = 3
)

// ChildMain turns the current process into a process-mode task child when it
// was started by the Process backend: it runs the registered Func, reports
// the outcome to the parent and exits. In any other process it returns
// immediately. Call it at the top of main (or TestMain), after the Funcs used
// by process tasks are registered.
func ChildMain() {
	name := os.Getenv(childFuncEnv)
	if name == "" {
		return
	}
	os.Exit(runChild(name, os.Getenv(childTaskEnv)))
}

// IsChild reports whether the process was started as a task child.
func IsChild() bool { return os.Getenv(childFuncEnv) != "" }

func runChild(funcName, taskName string) int {
	_ = os.Unsetenv(childFuncEnv)
	_ = os.Unsetenv(childTaskEnv)

	var out Outcome
	if fn, ok := task.Lookup(funcName); !ok {
		out = Outcome{Status: StatusFail, Err: fmt.Sprintf("func %q is not registered", funcName)}
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
		defer stop()
		flag := task.NewFlag()
		go func() {
			<-ctx.Done()
			flag.Set()
		}()
		out = outcomeOf(call(task.WithFlag(ctx, flag), fn))
	}

	report := os.NewFile(reportFD, "report")
	if report == nil {
		slog.Error("Task child has no report pipe", "task", taskName)
		return 1
	}
	if err := json.NewEncoder(report).Encode(out); err != nil {
		slog.Error("Task child failed to report", "task", taskName, "error", err)
		return 1
	}
	_ = report.Close()
	return 0
}
