// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/logging"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes shared by all commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// UsageError is a malformed command line or directive.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitError ends a command with Code. Err, when set, is printed first.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitWith returns nil for code 0 so successful commands stay quiet.
func exitWith(code int) error {
	if code == ExitOK {
		return nil
	}
	return &ExitError{Code: code}
}

type rootFlags struct {
	verbose   int
	logFormat string
	color     string
}

// NewRootCmd builds the complete command tree.
func NewRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "flux",
		Short:         "Submit and manage jobs in a Flux instance",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.Setup(logging.Options{
				Verbose: rf.verbose,
				Format:  rf.logFormat,
				Color:   rf.color,
				Out:     cmd.ErrOrStderr(),
			})
			if err != nil {
				return &UsageError{Err: err}
			}
			logger.WithField("command", cmd.Name()).Trace("starting")
			return nil
		},
	}
	root.PersistentFlags().CountVarP(&rf.verbose, "verbose", "v", "increase log verbosity")
	root.PersistentFlags().StringVar(&rf.logFormat, "log-format", logging.FormatText, "log format (text|json)")
	root.PersistentFlags().StringVar(&rf.color, "color", logging.ColorAuto, "colorize output (auto|always|never)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	root.AddCommand(
		NewSubmitCmd(),
		NewRunCmd(),
		NewAllocCmd(),
		NewBatchCmd(),
		NewBulksubmitCmd(),
		NewCancelCmd(),
		NewWatchCmd(),
		NewUpdateCmd(),
		NewURICmd(),
		NewJobsCmd(),
		NewFrobnicatorCmd(),
		NewValidatorCmd(),
		NewBrokerCmd(),
		NewRelayCmd(),
		NewCompletionCmd(root),
	)
	return root
}

// Execute runs the command line of the process and returns its exit code.
func Execute() int {
	code := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err := metrics.FlushFromEnv("flux"); err != nil {
		logrus.WithError(err).Debug("statsd flush failed")
	}
	return code
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := exitCode(err)
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Err != nil {
		fmt.Fprintf(stderr, "flux: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	var (
		ee *ExitError
		ue *UsageError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.Code
	case errors.As(err, &ue):
		return ExitUsage
	}
	return ExitFailure
}

// openBroker connects to the instance named by FLUX_URI.
func openBroker() (*broker.Handle, error) {
	h, err := broker.Open("", broker.WithLogger(logrus.StandardLogger()))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}
