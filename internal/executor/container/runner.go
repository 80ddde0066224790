// SPDX-License-Identifier: AGPL-3.0-or-later

// Package container wraps job tasks in a podman or docker invocation when
// the container shell option is set.
package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Runtime is a supported container runtime CLI.
type Runtime string

const (
	RuntimePodman Runtime = "podman"
	RuntimeDocker Runtime = "docker"
)

// ErrNoRuntime is returned when neither podman nor docker is installed.
var ErrNoRuntime = errors.New("container: no supported runtime found (podman or docker)")

// DetectRuntime returns the preferred available runtime, preferring Podman.
// A nil lookPath uses exec.LookPath.
func DetectRuntime(lookPath func(string) (string, error)) (Runtime, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, rt := range []Runtime{RuntimePodman, RuntimeDocker} {
		if _, err := lookPath(string(rt)); err == nil {
			return rt, nil
		}
	}
	return "", ErrNoRuntime
}

// Options describes one containerized task.
type Options struct {
	Runtime Runtime
	Image   string
	// Name is the container name, unique per job and task rank.
	Name        string
	Command     []string
	Env         []string
	WorkDir     string
	Mounts      []Mount
	NetworkMode string
	// Interactive keeps stdin attached so the shell can forward it.
	Interactive bool
}

// Mount is a bind mount from host to container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Name returns the container name of a job task.
func Name(job string, rank int) string {
	return fmt.Sprintf("flux-%s-%d", job, rank)
}

// BuildArgs returns the runtime argv. Capabilities are dropped and the
// network defaults to host since tasks of one job talk over it.
func BuildArgs(opts Options) ([]string, error) {
	if opts.Image == "" {
		return nil, errors.New("container: image is required")
	}
	if opts.Runtime == "" {
		return nil, errors.New("container: runtime is required")
	}
	args := []string{string(opts.Runtime), "run", "--rm"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Interactive {
		args = append(args, "--interactive")
	}
	args = append(args, "--cap-drop=ALL", "--security-opt=no-new-privileges")

	network := opts.NetworkMode
	if network == "" {
		network = "host"
	}
	args = append(args, "--network", network)
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}

	env := append([]string(nil), opts.Env...)
	sort.Strings(env)
	for _, kv := range env {
		args = append(args, "--env", kv)
	}
	for _, m := range opts.Mounts {
		if m.Source == "" || !filepath.IsAbs(m.Destination) {
			return nil, fmt.Errorf("container: invalid mount %s:%s", m.Source, m.Destination)
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:%s", m.Source, m.Destination, mode))
	}
	args = append(args, opts.Image)
	return append(args, opts.Command...), nil
}

var runtimeCommand = func(ctx context.Context, runtime Runtime, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, string(runtime), args...).CombinedOutput()
}

// Remove force-removes a container left behind by a killed task. A missing
// container is not an error.
func Remove(ctx context.Context, runtime Runtime, name string) error {
	if runtime == "" || name == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	args := []string{"rm", "--force"}
	if runtime == RuntimePodman {
		args = append(args, "--ignore")
	}
	args = append(args, name)
	out, err := runtimeCommand(ctx, runtime, args...)
	if err != nil && !isNotFound(out) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func isNotFound(output []byte) bool {
	msg := strings.ToLower(strings.TrimSpace(string(output)))
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "not found")
}
