// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"os"

	"github.com/flux-framework/flux-core-sub001/internal/attach"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewBulksubmitCmd creates the bulksubmit command: submit one job per
// combination of the input lists.
func NewBulksubmitCmd() *cobra.Command {
	var (
		sf       *submitFlags
		defines  []string
		shuffle  bool
		seed     int64
		fanout   int
		progress bool
		watch    bool
	)
	c := &cobra.Command{
		Use:   "bulksubmit [OPTIONS...] COMMAND [ARGS...] [::: INPUTS...]",
		Short: "Submit jobs for every combination of the inputs",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sf.check(); err != nil {
				return err
			}
			fs := afero.NewOsFs()
			tmpl, inputs, err := submit.ParseInputs(fs, cmd.InOrStdin(), args)
			if err != nil {
				return &UsageError{Err: err}
			}
			if len(tmpl) == 0 {
				return usageErrorf("bulksubmit: a command template is required")
			}
			if len(inputs) == 0 && !stdinIsTerminal(cmd) {
				lines, err := submit.ReadLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				if len(lines) > 0 {
					inputs = []submit.Input{{Values: lines}}
				}
			}

			bulk := &submit.Bulk{
				Builder: sf.builder(),
				Fanout:  fanout,
				Shuffle: shuffle,
				Seed:    seed,
				SeedSet: cmd.Flags().Changed("seed"),
				DryRun:  sf.opts.DryRun,
				Out:     cmd.OutOrStdout(),
				Log:     logrus.WithField("component", "bulksubmit"),
			}
			for _, arg := range defines {
				d, err := submit.ParseDefine(arg)
				if err != nil {
					return &UsageError{Err: err}
				}
				bulk.Defines = append(bulk.Defines, d)
			}
			if progress {
				bulk.Progress = cmd.ErrOrStderr()
			}
			jobs, err := bulk.Prepare(tmpl, inputs)
			if err != nil {
				return err
			}
			if sf.opts.DryRun {
				return bulk.Run(cmd.Context(), jobs)
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			bulk.Submit = submit.CallerFunc(h)
			runErr := bulk.Run(cmd.Context(), jobs)
			for _, j := range jobs {
				if j.Err == nil && !sf.opts.Quiet {
					fmt.Fprintln(cmd.OutOrStdout(), j.ID)
				}
			}
			if runErr != nil {
				return runErr
			}
			if !sf.opts.Wait && !watch {
				return nil
			}

			code := 0
			for _, j := range jobs {
				var res attach.Result
				if watch {
					opts := attachOptions(cmd, sf.opts)
					opts.ReadOnly = true
					opts.Stdin = nil
					res, err = attach.Run(cmd.Context(), h, j.ID, opts)
				} else {
					res, err = attach.WaitEvent(cmd.Context(), h, j.ID, "", nil)
					if res.Exception != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), res.Exception)
					}
				}
				if err != nil {
					return fmt.Errorf("%s: %w", j.ID, err)
				}
				code = max(code, res.ExitCode())
			}
			return exitWith(code)
		},
	}
	c.Flags().SetInterspersed(false)
	sf = bindSubmitFlags("bulksubmit", submit.ModeCommand, c.Flags())
	c.Flags().StringArrayVar(&defines, "define", nil, "define `NAME=TEMPLATE` for use as {.NAME}")
	c.Flags().BoolVar(&shuffle, "shuffle", false, "submit jobs in random order")
	c.Flags().Int64Var(&seed, "seed", 0, "seed for --shuffle")
	c.Flags().IntVar(&fanout, "fanout", submit.DefaultFanout, "maximum number of submits in flight")
	c.Flags().BoolVar(&progress, "progress", false, "show submission progress")
	c.Flags().BoolVar(&sf.opts.Wait, "wait", false, "wait for all jobs to complete")
	c.Flags().BoolVar(&watch, "watch", false, "watch the output of all jobs")
	return c
}

func stdinIsTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
