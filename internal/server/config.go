// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/paths"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	defaultKillTimeout     = 5 * time.Second
	defaultMaxPayload      = 64 << 20
)

// Config carries broker settings derived from CLI flags and env vars.
type Config struct {
	// RunDir holds the socket and the content store. Defaults to
	// paths.RunDir.
	RunDir string
	// Listen adds a tcp listener (HOST:PORT) next to the unix socket.
	Listen string
	// ConfigPath is a YAML file or directory of *.yaml files.
	ConfigPath string
	// Conf is merged over the tree loaded from ConfigPath.
	Conf config.Tree
	// Fs reads ConfigPath. Defaults to the OS filesystem.
	Fs afero.Fs

	Size  int
	Cores int

	KillTimeout     time.Duration
	ShutdownTimeout time.Duration
	// KeepAlive is the comment interval on idle streams.
	KeepAlive  time.Duration
	MaxPayload int64

	// Attrs are extra broker attributes, e.g. parent-uri and jobid for a
	// nested instance.
	Attrs map[string]string

	CoreDBOptions     coredb.Options
	MetricsEnabled    bool
	MetricsConfigured bool
	// PidFile records the local URI under paths.PidFile when set.
	PidFile bool

	Log logrus.FieldLogger
}

// normalize applies defaults when values are not supplied.
func (c Config) normalize() Config {
	if c.RunDir == "" {
		c.RunDir = paths.RunDir()
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.Cores <= 0 {
		c.Cores = runtime.NumCPU()
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = defaultKillTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaultMaxPayload
	}
	if c.CoreDBOptions.Dir == "" {
		c.CoreDBOptions.Dir = c.RunDir
	}
	if !c.MetricsConfigured {
		c.MetricsEnabled = true
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

// LocalURI is the local:// URI clients use to reach the broker.
func (c Config) LocalURI() string {
	return paths.LocalURI(c.RunDir)
}

// attrs builds the attribute table answered by attr.get.
func (c Config) attrs(uuid string) map[string]string {
	out := map[string]string{
		"local-uri":      c.LocalURI(),
		"rundir":         c.RunDir,
		"size":           strconv.Itoa(c.Size),
		"rank":           "0",
		"instance-level": "0",
		"broker.uuid":    uuid,
		"broker.pid":     strconv.Itoa(os.Getpid()),
	}
	for k, v := range c.Attrs {
		out[k] = v
	}
	return out
}

// loadConf reads ConfigPath and merges Conf over it.
func (c Config) loadConf() (config.Tree, error) {
	tree := config.Tree{}
	if c.ConfigPath != "" {
		loaded, err := config.LoadPath(c.Fs, c.ConfigPath)
		if err != nil {
			return nil, err
		}
		tree = loaded
	}
	if c.Conf != nil {
		config.Merge(tree, c.Conf)
	}
	return tree, nil
}
