// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/directive"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NewBatchCmd creates the batch command: submit a script as the initial
// program of a nested instance. Directives in the script are applied before
// the options given on the command line.
func NewBatchCmd() *cobra.Command {
	var (
		sf   *submitFlags
		wrap bool
	)
	c := &cobra.Command{
		Use:   "batch [OPTIONS...] [SCRIPT [ARGS...]]",
		Short: "Submit a batch script to run in a new instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sf.check(); err != nil {
				return err
			}
			script, scriptArgs, err := readBatchScript(cmd, sf.opts, args, wrap)
			if err != nil {
				return err
			}
			dirs, err := directive.Parse(strings.NewReader(script), directive.Options{})
			if err != nil {
				return &UsageError{Err: err}
			}
			layered, err := layerDirectives(cmd, "batch", submit.ModeNest, directive.Argv(dirs))
			if err != nil {
				return err
			}
			js, err := layered.builder().Batch(script, scriptArgs)
			if err != nil {
				return err
			}
			specs, err := layered.copies(js)
			if err != nil {
				return err
			}
			if layered.opts.DryRun {
				return printJobspecs(cmd.OutOrStdout(), specs)
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			ids, err := layered.submitAll(cmd.Context(), h, specs)
			for _, id := range ids {
				if !layered.opts.Quiet {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			}
			return err
		},
	}
	c.Flags().SetInterspersed(false)
	sf = bindSubmitFlags("batch", submit.ModeNest, c.Flags())
	c.Flags().BoolVar(&wrap, "wrap", false, "wrap the arguments in a /bin/sh script")
	return c
}

func readBatchScript(cmd *cobra.Command, opts *submit.Options, args []string, wrap bool) (string, []string, error) {
	switch {
	case wrap:
		if len(args) == 0 {
			return "", nil, usageErrorf("--wrap requires a command")
		}
		return submit.WrapScript(args), nil, nil
	case len(args) == 0 || args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", nil, fmt.Errorf("read script: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return "", nil, usageErrorf("batch script on stdin is empty")
		}
		var rest []string
		if len(args) > 0 {
			rest = args[1:]
		}
		return string(data), rest, nil
	}
	script, err := opts.ReadScript(args[0])
	if err != nil {
		return "", nil, err
	}
	return script, args[1:], nil
}

// layerDirectives parses directive arguments into fresh options and then
// replays every flag set on the command line, so the result matches
// typing the directive arguments before the user's own.
func layerDirectives(cmd *cobra.Command, command string, mode submit.Mode, dargv []string) (*submitFlags, error) {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	layered := bindSubmitFlags(command, mode, fs)
	if err := fs.Parse(dargv); err != nil {
		return nil, usageErrorf("directive: %w", err)
	}
	if fs.NArg() > 0 {
		return nil, usageErrorf("directive: unexpected argument %q", fs.Arg(0))
	}
	var errs []error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if fs.Lookup(f.Name) == nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			for _, v := range sv.GetSlice() {
				errs = append(errs, fs.Set(f.Name, v))
			}
			return
		}
		errs = append(errs, fs.Set(f.Name, f.Value.String()))
	})
	if err := errors.Join(errs...); err != nil {
		return nil, &UsageError{Err: err}
	}
	if err := layered.check(); err != nil {
		return nil, err
	}
	return layered, nil
}
