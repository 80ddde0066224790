// SPDX-License-Identifier: AGPL-3.0-or-later
package executor

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

// EnvExecPath names the directory holding the flux executable given to
// tasks; the running executable's directory is used when unset.
const EnvExecPath = "FLUX_EXEC_PATH"

// buildTaskEnv returns the environment of one task: the jobspec
// environment, PATH from the instance when the job has none, then the
// FLUX_* job variables, which always win.
func buildTaskEnv(spec Spec, tmpdir string, rank, ntasks int) []string {
	vars := spec.Jobspec.Environment().Map()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+8)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	if _, ok := vars["PATH"]; !ok {
		if path := os.Getenv("PATH"); path != "" {
			env = append(env, "PATH="+path)
		}
	}
	if dir := fluxDir(); dir != "" {
		env = upsertEnv(env, "PATH", prependPath(dir, lookupEnv(env, "PATH")))
	}
	env = upsertEnv(env, "FLUX_JOB_ID", spec.ID.Encode(jobid.F58))
	env = upsertEnv(env, "FLUX_JOB_TMPDIR", tmpdir)
	env = upsertEnv(env, "FLUX_JOB_SIZE", strconv.Itoa(ntasks))
	env = upsertEnv(env, "FLUX_TASK_RANK", strconv.Itoa(rank))
	if spec.URI != "" {
		env = upsertEnv(env, "FLUX_URI", spec.URI)
	}
	return env
}

// fluxDir returns the directory tasks find the flux command in.
func fluxDir() string {
	if p := os.Getenv(EnvExecPath); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

func prependPath(dir, path string) string {
	if path == "" {
		return dir
	}
	for _, p := range filepath.SplitList(path) {
		if p == dir {
			return path
		}
	}
	return dir + string(filepath.ListSeparator) + path
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
