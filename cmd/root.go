// Package cmd defines and implements the CLI commands for the spidermind
// executable.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes reported to the scheduler. An abort is distinguishable from a
// failure so the supervisor can re-queue without counting it as an error.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitAbort  = 2
)

var cfgFile string

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spidermind",
		Short: "A task-driven crawler that collects researcher contact facts.",
		Long: `spidermind claims one crawl task from the queue, fetches its forced and
normal targets, extracts contact facts, and expands the social graph by a
bounded follow traversal. One invocation processes one task to completion.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (optional; env and defaults apply otherwise)")

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			return ee.code
		}
		return ExitFailed
	}
	return ExitOK
}
