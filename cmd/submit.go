// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/attach"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/spf13/cobra"
)

// NewSubmitCmd creates the submit command: enqueue a job and print its id.
func NewSubmitCmd() *cobra.Command {
	var sf *submitFlags
	c := &cobra.Command{
		Use:   "submit [OPTIONS...] COMMAND [ARGS...]",
		Short: "Enqueue a job and print its id",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sf.check(); err != nil {
				return err
			}
			js, err := sf.builder().Build(args)
			if err != nil {
				return err
			}
			specs, err := sf.copies(js)
			if err != nil {
				return err
			}
			if sf.opts.DryRun {
				return printJobspecs(cmd.OutOrStdout(), specs)
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			ids, err := sf.submitAll(cmd.Context(), h, specs)
			for _, id := range ids {
				if !sf.opts.Quiet {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			}
			if err != nil {
				return err
			}
			if !sf.opts.Wait && sf.opts.WaitEvent == "" {
				return nil
			}

			code := 0
			for _, id := range ids {
				res, err := attach.WaitEvent(cmd.Context(), h, id, sf.opts.WaitEvent, nil)
				if err != nil {
					return err
				}
				if res.Exception != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), res.Exception)
				}
				if sf.opts.WaitEvent == "" {
					code = max(code, res.ExitCode())
				}
			}
			return exitWith(code)
		},
	}
	c.Flags().SetInterspersed(false)
	sf = bindSubmitFlags("submit", submit.ModeCommand, c.Flags())
	sf.opts.BindWait(c.Flags())
	return c
}
