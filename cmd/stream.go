// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// streamFlags are the options shared by the job-frobnicator and
// job-validator stream commands.
type streamFlags struct {
	plugins     string
	listPlugins bool
	jobspecOnly bool
	userID      int
	confPath    string
	help        bool
}

func (sf *streamFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&sf.plugins, "plugins", "", "comma separated list of `PLUGINS` to load")
	fs.BoolVar(&sf.listPlugins, "list-plugins", false, "list the available plugins and exit")
	fs.BoolVar(&sf.jobspecOnly, "jobspec-only", false, "read bare jobspecs instead of requests")
	fs.IntVar(&sf.userID, "userid", os.Getuid(), "userid for --jobspec-only input")
	fs.StringVar(&sf.confPath, "conf", "", "read configuration from `PATH` instead of the broker")
	fs.BoolVarP(&sf.help, "help", "h", false, "show help")
}

// streamCommand parses args in two passes: the first selects plugins, the
// second adds the plugins' own options and parses strictly.
type streamCommand struct {
	point   string
	flags   streamFlags
	fs      *pflag.FlagSet
	handle  *broker.Handle
	stdin   io.Reader
	stdout  io.Writer
	log     logrus.FieldLogger
	options *plugin.Options
}

type optionAdder interface {
	AddOptions(o *plugin.Options)
}

func newStreamCommand(cmd *cobra.Command, point string) *streamCommand {
	return &streamCommand{
		point:  point,
		stdin:  cmd.InOrStdin(),
		stdout: cmd.OutOrStdout(),
		log:    logrus.WithField("component", "job-"+point),
	}
}

// selection runs the first pass and returns the --plugins selection.
func (s *streamCommand) selection(cmd *cobra.Command, args []string) ([]string, bool, error) {
	pre := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	var f streamFlags
	f.bind(pre)
	if err := pre.Parse(args); err != nil {
		return nil, false, &UsageError{Err: err}
	}
	if f.help {
		return nil, true, cmd.Help()
	}
	if f.listPlugins {
		defaults := map[string]bool{}
		for _, name := range plugin.Default.Defaults(s.point) {
			defaults[name] = true
		}
		for _, name := range plugin.Default.Names(s.point) {
			mark := ""
			if defaults[name] {
				mark = " (default)"
			}
			fmt.Fprintf(s.stdout, "%s%s\n", name, mark)
		}
		return nil, true, nil
	}
	return plugin.ParseList(f.plugins), false, nil
}

// parse runs the second pass with the pipeline's options registered.
func (s *streamCommand) parse(cmd *cobra.Command, args []string, pipe optionAdder) error {
	s.fs = pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	s.fs.SetOutput(cmd.ErrOrStderr())
	s.flags.bind(s.fs)
	s.options = plugin.NewOptions(s.fs)
	pipe.AddOptions(s.options)
	if err := s.options.Err(); err != nil {
		return &UsageError{Err: err}
	}
	if err := s.fs.Parse(args); err != nil {
		return &UsageError{Err: err}
	}
	if s.fs.NArg() > 0 {
		return usageErrorf("unexpected argument %q", s.fs.Arg(0))
	}
	return nil
}

// config loads --conf, or the broker configuration when FLUX_URI is set.
func (s *streamCommand) config(ctx context.Context) (config.Tree, error) {
	if s.flags.confPath != "" {
		return config.LoadPath(afero.NewOsFs(), s.flags.confPath)
	}
	if h := s.broker(); h != nil {
		return config.NewResolver(h).Tree(ctx)
	}
	return config.Tree{}, nil
}

// broker returns a connection to FLUX_URI, or nil when there is none.
func (s *streamCommand) broker() *broker.Handle {
	if s.handle != nil {
		return s.handle
	}
	if strings.TrimSpace(os.Getenv(broker.EnvURI)) == "" {
		return nil
	}
	h, err := openBroker()
	if err != nil {
		s.log.WithError(err).Debug("running without a broker")
		return nil
	}
	s.handle = h
	return h
}

func (s *streamCommand) close() {
	if s.handle != nil {
		_ = s.handle.Close()
	}
}
