package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/condsched"
)

func main() {
	condsched.ChildMain()

	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select a running scheduler's HTTP API
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// HistoryFlags filter the history command
type HistoryFlags struct {
	APIFlags
	Task   string
	Action string
	Limit  int
}

// CheckFlags hold the condition to check
type CheckFlags struct {
	Expr string
	Task string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "condsched",
		Short: "Condition-driven task scheduler",
		Long: `condsched runs tasks whose start and end are decided by conditions over
the run history, such as TaskSucceeded(task="fetch") >= 1 & ~TaskStarted().

Examples:
  condsched run --config=condsched.toml
  condsched validate --config=condsched.toml
  condsched check --expr='SchedulerCycles() >= 10 | SchedulerUptime() > 1h'
  condsched status --api-url=http://127.0.0.1:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "condsched.toml", "path to TOML or YAML config file")

	root.AddCommand(
		createRunCommand(globalFlags),
		createValidateCommand(globalFlags),
		createCheckCommand(),
		createStatusCommand(),
		createHistoryCommand(),
		createStopCommand(),
	)
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until its shut condition holds or it is signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context(), globalFlags.ConfigPath)
		},
	}
}

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and list its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd.OutOrStdout(), globalFlags.ConfigPath)
		},
	}
}

func createCheckCommand() *cobra.Command {
	flags := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse a condition and evaluate it against an empty history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkCondition(cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Expr, "expr", "", "condition expression (required)")
	cmd.Flags().StringVar(&flags.Task, "task", "", "task the condition is evaluated for")
	if err := cmd.MarkFlagRequired("expr"); err != nil {
		panic(err)
	}
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "scheduler API URL (default http://127.0.0.1:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), NewAPIClient(flags.APIUrl, flags.APITimeout))
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createHistoryCommand() *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the run history of a running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(cmd.OutOrStdout(), NewAPIClient(flags.APIUrl, flags.APITimeout), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Task, "task", "", "only records of this task")
	cmd.Flags().StringVar(&flags.Action, "action", "", "comma separated actions (run,success,fail,terminate,crash)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum records")
	return cmd
}

func createStopCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running scheduler to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewAPIClient(flags.APIUrl, flags.APITimeout).Stop(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
			return nil
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}
