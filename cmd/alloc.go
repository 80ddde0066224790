// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/attach"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/spf13/cobra"
)

// NewAllocCmd creates the alloc command: start a nested instance and
// attach to its initial program, or leave it running with --bg.
func NewAllocCmd() *cobra.Command {
	var (
		sf *submitFlags
		bg bool
	)
	c := &cobra.Command{
		Use:   "alloc [OPTIONS...] [COMMAND [ARGS...]]",
		Short: "Allocate a new instance for interactive use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sf.check(); err != nil {
				return err
			}
			if sf.opts.Cc != "" || sf.opts.Bcc != "" {
				return usageErrorf("--cc and --bcc are not supported by alloc")
			}
			if bg && len(args) > 0 {
				return usageErrorf("--bg does not accept a command")
			}
			js, err := sf.builder().Nest(args)
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
			id := ids[0]
			if !bg {
				return attachJob(cmd, h, id, sf.opts)
			}
			res, err := attach.WaitEvent(cmd.Context(), h, id, "memo", nil)
			if err != nil {
				if res.Exception != nil {
					return res.Exception
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	c.Flags().SetInterspersed(false)
	sf = bindSubmitFlags("alloc", submit.ModeNest, c.Flags())
	c.Flags().BoolVar(&bg, "bg", false, "wait for the instance to start, print its id and exit")
	return c
}
