// SPDX-License-Identifier: AGPL-3.0-or-later
package frobnicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
)

// Dependency resolves a by-name dependency to the most recent job of the
// submitting user with that name.
type Dependency struct {
	lister job.Lister
}

func (d *Dependency) Name() string { return "dependency" }

func (d *Dependency) Configure(_ config.Tree, env Env) error {
	d.lister = env.Lister
	return nil
}

func (d *Dependency) Frob(ctx context.Context, js *jobspec.Jobspec, info Info) error {
	v, ok := js.GetAttribute("system.dependency.name")
	if !ok {
		return nil
	}
	name, ok := v.(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: system.dependency.name must be a non-empty string", jobspec.ErrInvalidArgument)
	}
	if d.lister == nil {
		return errors.New("dependency: job-list is not available")
	}
	jobs, err := d.lister.List(ctx, job.ListRequest{
		MaxEntries: 1,
		UserID:     info.UserID,
		Name:       name,
		States:     job.StateAll,
	})
	if err != nil {
		return fmt.Errorf("dependency: job-list: %w", err)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("%w: no job named %q", ErrUnknownDependency, name)
	}
	if err := js.DeleteAttribute("system.dependency"); err != nil {
		return err
	}
	var deps []any
	if cur, ok := js.GetAttribute("system.dependencies"); ok {
		if deps, ok = cur.([]any); !ok {
			return fmt.Errorf("%w: attributes.system.dependencies must be a list", jobspec.ErrTypeMismatch)
		}
	}
	deps = append(deps, map[string]any{
		"scheme": "afterok",
		"value":  jobs[0].ID.Encode(jobid.Dec),
	})
	return js.SetAttribute("system.dependencies", deps)
}
