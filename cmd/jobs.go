// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"encoding/json"
	"fmt"
	"os/user"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/spf13/cobra"
)

// NewJobsCmd creates the jobs command: list jobs, most recent first.
func NewJobsCmd() *cobra.Command {
	var (
		all      bool
		allUsers bool
		name     string
		filter   string
		count    int
		format   string
	)
	c := &cobra.Command{
		Use:   "jobs [OPTIONS...]",
		Short: "List jobs",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return usageErrorf("unknown output format %q", format)
			}
			states := job.StateActive
			if all {
				states = job.StateAll
			}
			if filter != "" {
				var err error
				if states, err = job.ParseStates(filter); err != nil {
					return &UsageError{Err: err}
				}
			}
			uid, _ := resolveUser("")
			if allUsers {
				uid = job.UserIDAny
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			jobs, err := job.NewClient(h).List(cmd.Context(), job.ListRequest{
				MaxEntries: count,
				UserID:     uid,
				Name:       name,
				States:     states,
			})
			if err != nil {
				return err
			}
			job.SortRecent(jobs)

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"jobs": jobs})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOBID\tUSER\tNAME\tST\tQUEUE\tSUBMITTED")
			names := map[int]string{}
			for _, j := range jobs {
				queue := j.Queue
				if queue == "" {
					queue = "-"
				}
				submitted := humanize.Time(time.Unix(0, int64(j.TSubmit*1e9)))
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, userName(names, j.UserID), j.Name, j.State.Short(), queue, submitted)
			}
			return tw.Flush()
		},
	}
	c.Flags().BoolVarP(&all, "all", "a", false, "include inactive jobs")
	c.Flags().BoolVarP(&allUsers, "all-users", "A", false, "list jobs of all users")
	c.Flags().StringVar(&name, "name", "", "only jobs named `NAME`")
	c.Flags().StringVarP(&filter, "filter", "f", "", "only jobs in `STATES`")
	c.Flags().IntVarP(&count, "count", "n", 1000, "list at most `N` jobs")
	c.Flags().StringVarP(&format, "output", "o", "table", "output format (table|json)")
	return c
}

func userName(cache map[int]string, uid int) string {
	if n, ok := cache[uid]; ok {
		return n
	}
	n := strconv.Itoa(uid)
	if u, err := user.LookupId(n); err == nil {
		n = u.Username
	}
	cache[uid] = n
	return n
}
