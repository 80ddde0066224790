// SPDX-License-Identifier: AGPL-3.0-or-later

// Package paths centralises runtime-directory resolution for instances.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

const (
	appDirName    = "flux"
	EnvRunDir     = "FLUX_RUNDIR"
	envXDGRuntime = "XDG_RUNTIME_DIR"
	socketName    = "local"
	contentName   = "content.sqlite"
	pidDirName    = "pids"
)

var override atomic.Pointer[string]

// SetBaseDirOverride pins the base runtime directory, mainly for tests.
// Passing an empty string clears the override.
func SetBaseDirOverride(dir string) {
	if dir == "" {
		override.Store(nil)
		return
	}
	clean := filepath.Clean(dir)
	override.Store(&clean)
}

// BaseDir returns the directory under which instances of this user keep
// their runtime state. Order of precedence:
//  1. Explicit override provided via SetBaseDirOverride.
//  2. $XDG_RUNTIME_DIR/flux
//  3. $TMPDIR/flux-<uid>
func BaseDir() string {
	if ptr := override.Load(); ptr != nil && *ptr != "" {
		return *ptr
	}
	if xdg := os.Getenv(envXDGRuntime); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appDirName, os.Getuid()))
}

// RunDir returns the runtime directory of the calling instance: FLUX_RUNDIR
// when set (nested instances point it at the job tmpdir), else a
// per-process directory under BaseDir.
func RunDir() string {
	if dir := os.Getenv(EnvRunDir); dir != "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(BaseDir(), strconv.Itoa(os.Getpid()))
}

// SocketPath is the listening socket inside rundir.
func SocketPath(rundir string) string {
	return filepath.Join(rundir, socketName)
}

// LocalURI is the local:// URI of the socket inside rundir.
func LocalURI(rundir string) string {
	return "local://" + SocketPath(rundir)
}

// ContentPath is the instance's sqlite store inside rundir.
func ContentPath(rundir string) string {
	return filepath.Join(rundir, contentName)
}

// PidFile is where the broker running as pid records its URI.
func PidFile(pid int) string {
	return filepath.Join(BaseDir(), pidDirName, strconv.Itoa(pid))
}

// EnsureDir creates path with owner-only permissions and returns it.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", err
	}
	return path, nil
}
