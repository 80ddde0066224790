// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/flux-framework/flux-core-sub001/internal/validator"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewValidatorCmd creates job-validator: validate newline-delimited
// requests on stdin, writing one result per line.
func NewValidatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "job-validator [OPTIONS...]",
		Short:              "Validate jobspec requests on stdin",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newStreamCommand(cmd, plugin.PointValidator)
			defer s.close()
			selection, done, err := s.selection(cmd, args)
			if done || err != nil {
				return err
			}
			pipe, err := validator.Load(plugin.Default, selection)
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
			env := validator.Env{Fs: afero.NewOsFs(), Log: s.log}
			if s.broker() != nil {
				env.Connect = func() (broker.Caller, error) { return openBroker() }
			}
			if err := pipe.Configure(conf, env); err != nil {
				return err
			}
			defer pipe.Close()
			return pipe.Stream(cmd.Context(), s.stdin, s.stdout, validator.StreamOptions{
				JobspecOnly: s.flags.jobspecOnly,
				UserID:      s.flags.userID,
			})
		},
	}
}
