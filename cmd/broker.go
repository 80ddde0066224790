// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/paths"
	"github.com/flux-framework/flux-core-sub001/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const bootstrapJob = "job"

type brokerFlags struct {
	listen      string
	rundir      string
	size        int
	cores       int
	configPath  string
	conf        []string
	setattr     []string
	bootstrap   string
	killTimeout time.Duration
	pidFile     bool
	metrics     bool
}

// NewBrokerCmd creates the broker command, which runs a reference instance
// and optionally an initial program inside it.
func NewBrokerCmd() *cobra.Command {
	var f brokerFlags
	c := &cobra.Command{
		Use:   "broker [OPTIONS] [COMMAND...]",
		Short: "Run a Flux instance",
		Long: `Run a Flux instance on this host.

With COMMAND, the command runs with FLUX_URI pointing at the new instance
and the instance exits with its status. Without COMMAND, the instance
serves until it receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer paths.SecureUmask()()
			cfg, err := f.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var parent *nestedParent
			if f.bootstrap == bootstrapJob {
				if parent, err = bootstrapFromJob(ctx, &cfg); err != nil {
					return err
				}
				defer parent.close()
				if len(args) == 0 {
					args = defaultShell()
				}
			}
			if len(args) == 0 {
				return server.Run(ctx, cfg)
			}
			return runInitialProgram(ctx, cmd, cfg, parent, args)
		},
	}
	c.Flags().SetInterspersed(false)
	c.Flags().StringVar(&f.listen, "listen", "", "also listen on tcp `HOST:PORT`")
	c.Flags().StringVar(&f.rundir, "rundir", "", "runtime `DIR` for the socket and content store")
	c.Flags().IntVar(&f.size, "size", 1, "number of simulated broker ranks")
	c.Flags().IntVar(&f.cores, "cores", 0, "cores per rank (default: online CPUs)")
	c.Flags().StringVar(&f.configPath, "config-path", "", "load configuration from `PATH`")
	c.Flags().StringArrayVar(&f.conf, "conf", nil, "set configuration `KEY=VAL`")
	c.Flags().StringArrayVarP(&f.setattr, "setattr", "S", nil, "set broker attribute `NAME=VAL`")
	c.Flags().StringVar(&f.bootstrap, "bootstrap", "", "bootstrap method (job)")
	c.Flags().DurationVar(&f.killTimeout, "kill-timeout", 0, "delay between SIGTERM and SIGKILL on cancel")
	c.Flags().BoolVar(&f.pidFile, "pid-file", false, "record the local URI in the pid directory")
	c.Flags().BoolVar(&f.metrics, "metrics", true, "serve /metrics")
	return c
}

func (f *brokerFlags) config(cmd *cobra.Command) (server.Config, error) {
	switch f.bootstrap {
	case "", bootstrapJob:
	default:
		return server.Config{}, usageErrorf("unknown bootstrap method %q", f.bootstrap)
	}
	conf := config.Tree{}
	for _, arg := range f.conf {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return server.Config{}, usageErrorf("--conf %q: expected KEY=VAL", arg)
		}
		if err := config.Set(conf, key, configValue(val)); err != nil {
			return server.Config{}, &UsageError{Err: fmt.Errorf("--conf %s: %w", arg, err)}
		}
	}
	attrs := map[string]string{}
	for _, arg := range f.setattr {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return server.Config{}, usageErrorf("--setattr %q: expected NAME=VAL", arg)
		}
		attrs[key] = val
	}
	return server.Config{
		RunDir:            f.rundir,
		Listen:            f.listen,
		ConfigPath:        f.configPath,
		Conf:              conf,
		Size:              f.size,
		Cores:             f.cores,
		KillTimeout:       f.killTimeout,
		Attrs:             attrs,
		MetricsEnabled:    f.metrics,
		MetricsConfigured: cmd.Flags().Changed("metrics"),
		PidFile:           f.pidFile,
		Log:               logrus.WithField("component", "broker"),
	}, nil
}

// configValue keeps integers and booleans typed in --conf values.
func configValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func defaultShell() []string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return []string{sh}
	}
	return []string{"/bin/sh"}
}

// nestedParent is the enclosing instance of a broker started as a job.
type nestedParent struct {
	h  *broker.Handle
	id jobid.ID
}

func (p *nestedParent) close() {
	if p != nil && p.h != nil {
		_ = p.h.Close()
	}
}

// bootstrapFromJob configures a broker running as the job FLUX_JOB_ID of
// the instance at FLUX_URI: it lives in the job's tmpdir, takes its config
// from the jobspec and records its ancestry in broker attributes.
func bootstrapFromJob(ctx context.Context, cfg *server.Config) (*nestedParent, error) {
	tmpdir := os.Getenv("FLUX_JOB_TMPDIR")
	idstr := os.Getenv("FLUX_JOB_ID")
	if tmpdir == "" || idstr == "" {
		return nil, errors.New("--bootstrap=job requires FLUX_JOB_ID and FLUX_JOB_TMPDIR")
	}
	id, err := jobid.Parse(idstr)
	if err != nil {
		return nil, fmt.Errorf("FLUX_JOB_ID: %w", err)
	}
	h, err := openBroker()
	if err != nil {
		return nil, fmt.Errorf("connecting to enclosing instance: %w", err)
	}
	parent := &nestedParent{h: h, id: id}

	level := 1
	if v, err := h.Attr(ctx, "instance-level"); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			level = n + 1
		}
	}
	if cfg.RunDir == "" {
		cfg.RunDir = tmpdir
	}
	cfg.Attrs["parent-uri"] = h.URI()
	cfg.Attrs["jobid"] = id.String()
	cfg.Attrs["instance-level"] = strconv.Itoa(level)

	values, err := job.NewClient(h).Lookup(ctx, id, "jobspec")
	if err != nil {
		parent.close()
		return nil, fmt.Errorf("%s: jobspec: %w", id, err)
	}
	js, err := jobspec.Decode(values["jobspec"])
	if err != nil {
		parent.close()
		return nil, fmt.Errorf("%s: jobspec: %w", id, err)
	}
	if v, ok := js.GetAttribute("system.conf"); ok {
		if tree, ok := v.(map[string]any); ok {
			inherited := config.Tree(tree)
			config.Merge(inherited, cfg.Conf)
			cfg.Conf = inherited
		}
	}
	return parent, nil
}

// runInitialProgram serves an instance for the lifetime of argv and exits
// with its status.
func runInitialProgram(ctx context.Context, cmd *cobra.Command, cfg server.Config, parent *nestedParent, argv []string) error {
	s, err := server.Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	log := logrus.WithField("component", "broker")
	if parent != nil {
		if err := job.NewClient(parent.h).Memo(ctx, parent.id, map[string]any{"uri": s.URI()}); err != nil {
			log.WithError(err).Warn("posting uri memo to enclosing instance")
		}
	}

	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin = cmd.InOrStdin()
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	c.Env = append(os.Environ(), broker.EnvURI+"="+s.URI())
	if err := c.Start(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	log.WithField("argv", argv).Debug("initial program started")

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()
	select {
	case err = <-waitErr:
	case err = <-s.Err():
		_ = c.Process.Signal(syscall.SIGTERM)
		<-waitErr
		return fmt.Errorf("broker: %w", err)
	case <-ctx.Done():
		_ = c.Process.Signal(syscall.SIGTERM)
		err = <-waitErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			}
		}
		return exitWith(code)
	}
	return err
}
