// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"github.com/flux-framework/flux-core-sub001/internal/frobnicator"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/spf13/cobra"
)

// NewFrobnicatorCmd creates job-frobnicator: apply the frobnicator
// pipeline to newline-delimited requests on stdin.
func NewFrobnicatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "job-frobnicator [OPTIONS...]",
		Short:              "Fill in jobspec defaults for requests on stdin",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newStreamCommand(cmd, plugin.PointFrobnicator)
			defer s.close()
			selection, done, err := s.selection(cmd, args)
			if done || err != nil {
				return err
			}
			pipe, err := frobnicator.Load(plugin.Default, selection)
			if err != nil {
				return &UsageError{Err: err}
			}
			if err := s.parse(cmd, args, pipe); err != nil {
				return err
			}
			conf, err := s.config(cmd.Context())
			if err != nil {
				return err
			}
			env := frobnicator.Env{Log: s.log}
			if h := s.broker(); h != nil {
				env.Lister = job.NewClient(h)
			}
			if err := pipe.Configure(conf, env); err != nil {
				return err
			}
			return pipe.Stream(cmd.Context(), s.stdin, s.stdout, frobnicator.StreamOptions{
				JobspecOnly: s.flags.jobspecOnly,
				UserID:      s.flags.userID,
			})
		},
	}
}
