// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/attach"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/logging"
	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command: follow a selection of jobs until
// they complete, showing their events and output.
func NewWatchCmd() *cobra.Command {
	var (
		jobids     []string
		all        bool
		active     bool
		filter     string
		count      int
		userID     string
		showEvents bool
		eventTime  string
		labelIO    bool
	)
	c := &cobra.Command{
		Use:   "watch [OPTIONS...] [JOBID...]",
		Short: "Follow jobs until they complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, list := range jobids {
				args = append(args, strings.Split(list, ",")...)
			}
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && !all && !active {
				return usageErrorf("specify job ids, --jobids, --active or -a")
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()

			if all || active {
				uid, err := resolveUser(userID)
				if err != nil {
					return &UsageError{Err: err}
				}
				states := job.StateActive
				if all {
					states = job.StateAll
				}
				if filter != "" {
					if states, err = job.ParseStates(filter); err != nil {
						return &UsageError{Err: err}
					}
				}
				jobs, err := job.NewClient(h).List(cmd.Context(), job.ListRequest{
					MaxEntries: count,
					UserID:     uid,
					States:     states,
				})
				if err != nil {
					return err
				}
				// oldest first, so output follows submission order
				for i := len(jobs) - 1; i >= 0; i-- {
					ids = append(ids, jobs[i].ID)
				}
			}
			ids = uniqueIDs(ids)
			if len(ids) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "flux-watch: no matching jobs")
				return nil
			}

			colorMode, _ := cmd.Flags().GetString("color")
			colorize, err := logging.ColorEnabled(colorMode, cmd.OutOrStdout())
			if err != nil {
				return &UsageError{Err: err}
			}
			code := 0
			for _, id := range ids {
				opts := attach.Options{
					Stdout:     cmd.OutOrStdout(),
					Stderr:     cmd.ErrOrStderr(),
					LabelIO:    labelIO,
					ReadOnly:   true,
					TerminalFd: -1,
				}
				if showEvents {
					prefix := ""
					if len(ids) > 1 {
						prefix = id.String() + ": "
					}
					opts.Events = eventlog.NewFormatter(cmd.OutOrStdout(), eventlog.FormatterOptions{
						Time:   eventTime,
						Color:  colorize,
						Prefix: prefix,
					})
				}
				res, err := attach.Run(cmd.Context(), h, id, opts)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				code = max(code, res.ExitCode())
			}
			return exitWith(code)
		},
	}
	c.Flags().StringArrayVar(&jobids, "jobids", nil, "watch the comma separated `IDS`")
	c.Flags().BoolVarP(&all, "all", "a", false, "watch all jobs of the user, including inactive ones")
	c.Flags().BoolVarP(&active, "active", "A", false, "watch all active jobs of the user")
	c.Flags().StringVarP(&filter, "filter", "f", "", "with -a or -A, only jobs in `STATES`")
	c.Flags().IntVarP(&count, "count", "c", 1000, "with -a or -A, at most `N` jobs")
	c.Flags().StringVarP(&userID, "user", "u", "", "with -a or -A, jobs of `USER` (or \"all\")")
	c.Flags().BoolVar(&showEvents, "events", true, "print job events")
	c.Flags().StringVar(&eventTime, "time-format", eventlog.TimeRaw, "event timestamps (raw|iso|offset|human)")
	c.Flags().BoolVarP(&labelIO, "label-io", "l", false, "label output lines with the task rank")
	return c
}

func uniqueIDs(ids []jobid.ID) []jobid.ID {
	seen := make(map[jobid.ID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
