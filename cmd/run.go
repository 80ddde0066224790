// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command: submit a job and attach to it.
func NewRunCmd() *cobra.Command {
	var sf *submitFlags
	c := &cobra.Command{
		Use:   "run [OPTIONS...] COMMAND [ARGS...]",
		Short: "Run a job interactively and exit with its exit code",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sf.check(); err != nil {
				return err
			}
			if sf.opts.Cc != "" || sf.opts.Bcc != "" {
				return usageErrorf("--cc and --bcc are not supported by run")
			}
			js, err := sf.builder().Build(args)
			if err != nil {
				return err
			}
			if sf.opts.DryRun {
				return printJobspecs(cmd.OutOrStdout(), []*jobspec.Jobspec{js})
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			ids, err := sf.submitAll(cmd.Context(), h, []*jobspec.Jobspec{js})
			if err != nil {
				return err
			}
			logrus.WithField("jobid", ids[0].String()).Info("submitted")
			return attachJob(cmd, h, ids[0], sf.opts)
		},
	}
	c.Flags().SetInterspersed(false)
	sf = bindSubmitFlags("run", submit.ModeCommand, c.Flags())
	return c
}
