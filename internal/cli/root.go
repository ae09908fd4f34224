// Package cli implements the berserker command line.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

type rootOptions struct {
	logLevel string
	noColor  bool
	summary  bool
	progress time.Duration
}

// exitError carries the process exit code of a run that already reported
// its own failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "berserker [config]",
		Short:   "Synthetic system load for exercising security collectors",
		Version: version,
		Long: `Berserker reproduces realistic system activity so a kernel-level
security collector can be measured under load: process churn, listening
endpoints, syscalls, network connections and BPF program contention.

The workload is read from the given YAML file, or from workload.yaml or
/etc/berserker/workload.yaml when omitted. Any key can be overridden with a
WORKLOAD_ environment variable, for example WORKLOAD_ARRIVAL_RATE=50.
WORKLOAD_ variables that do not name a workload key are ignored.

Exit codes: 0 clean shutdown, 1 fatal error, 2 workers did not stop within
the grace period.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runWorkload(cmd.Context(), path, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.Flags().BoolVar(&opts.summary, "summary", true, "print a per-worker summary when the run ends")
	cmd.Flags().DurationVar(&opts.progress, "progress", 0, "log pool-wide progress at this interval (0 disables)")

	cmd.AddCommand(newStubCmd())
	return cmd
}

// RootCmd represents the base command.
var RootCmd = newRootCmd()

func setupLogging(opts *rootOptions) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: opts.noColor,
	})
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(RootCmd)
}

func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	return 1
}
