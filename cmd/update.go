// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/fsd"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/spf13/cobra"
)

var updateAliases = map[string]string{
	"duration": "attributes.system.duration",
	"name":     "attributes.system.job.name",
	"queue":    "attributes.system.queue",
}

// NewUpdateCmd creates the update command.
func NewUpdateCmd() *cobra.Command {
	var dryRun bool
	c := &cobra.Command{
		Use:   "update [OPTIONS...] JOBID KEY=VALUE...",
		Short: "Update attributes of a pending or running job",
		Args:  usageArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobid.Parse(args[0])
			if err != nil {
				return &UsageError{Err: fmt.Errorf("%s: %w", args[0], err)}
			}
			for _, arg := range args[1:] {
				if key, _, ok := strings.Cut(arg, "="); !ok || key == "" {
					return usageErrorf("%s: expected KEY=VALUE", arg)
				}
			}
			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			client := job.NewClient(h)

			updates := map[string]any{}
			for _, arg := range args[1:] {
				key, val, _ := strings.Cut(arg, "=")
				key = updateKey(key)
				if key != updateAliases["duration"] {
					updates[key] = updateValue(val)
					continue
				}
				d, err := updateDuration(cmd, client, id, val)
				if err != nil {
					return err
				}
				updates[key] = d
			}

			if dryRun {
				data, err := json.Marshal(updates)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flux-update: %s: %s\n", id, data)
				return nil
			}
			return client.Update(cmd.Context(), id, updates)
		},
	}
	c.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the updates without applying them")
	return c
}

// updateKey expands aliases and bare attribute keys to full jobspec paths.
func updateKey(key string) string {
	if full, ok := updateAliases[key]; ok {
		return full
	}
	switch {
	case strings.HasPrefix(key, "attributes."):
		return key
	case strings.HasPrefix(key, "system."), strings.HasPrefix(key, "user."):
		return "attributes." + key
	}
	return "attributes.system." + key
}

func updateValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// updateDuration resolves an FSD, relative ones against the job's current
// duration.
func updateDuration(cmd *cobra.Command, client *job.Client, id jobid.ID, val string) (float64, error) {
	current := 0.0
	if strings.HasPrefix(val, "+") || strings.HasPrefix(val, "-") {
		values, err := client.Lookup(cmd.Context(), id, "jobspec")
		if err != nil {
			return 0, err
		}
		js, err := jobspec.Decode(values["jobspec"])
		if err != nil {
			return 0, err
		}
		current = js.Duration()
	}
	d, err := fsd.Apply(current, val)
	if err != nil {
		return 0, &UsageError{Err: fmt.Errorf("duration: %w", err)}
	}
	return d, nil
}
