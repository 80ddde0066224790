// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/flux-framework/flux-core-sub001/internal/attach"
	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/flux-framework/flux-core-sub001/internal/submit"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// DefaultCLIPluginDir holds the YAML CLI plugins when FLUX_CLI_PLUGINPATH
// is unset.
const DefaultCLIPluginDir = "/usr/lib/flux/cli/plugins"

// submitFlags ties the typed submission options of one command to its
// flag set and CLI plugins.
type submitFlags struct {
	command string
	opts    *submit.Options
	popts   *plugin.Options
	plugins []plugin.CLI
	errs    []plugin.DiscoveryError
}

func bindSubmitFlags(command string, mode submit.Mode, fs *pflag.FlagSet) *submitFlags {
	sf := &submitFlags{
		command: command,
		opts:    submit.NewOptions(mode),
		popts:   plugin.NewOptions(fs),
	}
	sf.opts.Bind(fs)
	specs, errs := plugin.DiscoverCLI(afero.NewOsFs(), plugin.PluginPath(DefaultCLIPluginDir))
	sf.errs = errs
	sf.plugins = plugin.AttachCLI(sf.popts, specs, command)
	return sf
}

// check reports plugin option conflicts and logs plugins that failed to
// load. It runs after logging is configured.
func (sf *submitFlags) check() error {
	for _, e := range sf.errs {
		logrus.WithError(e.Err).WithField("path", e.Path).Warn("skipping CLI plugin")
	}
	if err := sf.popts.Err(); err != nil {
		return &UsageError{Err: err}
	}
	return nil
}

func (sf *submitFlags) builder() *submit.Builder {
	return &submit.Builder{Options: sf.opts, Command: sf.command, Plugins: sf.plugins}
}

// copies expands --cc and --bcc into one jobspec per id.
func (sf *submitFlags) copies(js *jobspec.Jobspec) ([]*jobspec.Jobspec, error) {
	ids, setEnv, ok, err := sf.opts.CcSet()
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	if !ok {
		return []*jobspec.Jobspec{js}, nil
	}
	out := make([]*jobspec.Jobspec, 0, ids.Count())
	for _, id := range ids {
		cp, err := submit.WithCc(js, id, setEnv)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// printJobspecs writes each jobspec as one JSON line.
func printJobspecs(w io.Writer, specs []*jobspec.Jobspec) error {
	for _, js := range specs {
		data, err := js.Encode()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}

// submitAll submits specs in order and returns their ids.
func (sf *submitFlags) submitAll(ctx context.Context, h *broker.Handle, specs []*jobspec.Jobspec) ([]jobid.ID, error) {
	flags, err := sf.opts.SubmitFlags()
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	ids := make([]jobid.ID, 0, len(specs))
	for _, js := range specs {
		id, err := submit.Submit(ctx, h, js, sf.opts.Urgency, flags)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// attachOptions wires the command's standard streams into an attach
// session.
func attachOptions(cmd *cobra.Command, opts *submit.Options) attach.Options {
	ao := attach.Options{
		Stdin:        cmd.InOrStdin(),
		Stdout:       cmd.OutOrStdout(),
		Stderr:       cmd.ErrOrStderr(),
		LabelIO:      opts.LabelIO,
		LineBuffered: opts.Unbuffered,
		Signals:      true,
		TerminalFd:   -1,
		Log:          logrus.StandardLogger(),
	}
	if f, ok := ao.Stdin.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		ao.TerminalFd = int(f.Fd())
	}
	if opts.Input != "" {
		ao.Stdin = nil
	}
	return ao
}

// attachJob follows id until it is clean and converts the result into an
// exit code.
func attachJob(cmd *cobra.Command, h *broker.Handle, id jobid.ID, opts *submit.Options) error {
	res, err := attach.Run(cmd.Context(), h, id, attachOptions(cmd, opts))
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return exitWith(res.ExitCode())
}

// usageArgs turns positional argument errors into usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}
