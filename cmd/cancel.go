// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/spf13/cobra"
)

// NewCancelCmd creates the cancel command.
func NewCancelCmd() *cobra.Command {
	var (
		note   string
		all    bool
		userID string
		states string
		dryRun bool
	)
	c := &cobra.Command{
		Use:   "cancel [OPTIONS...] [JOBID...]",
		Short: "Cancel one or more jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return usageErrorf("--all cannot be combined with job ids")
			}
			if !all && len(args) == 0 {
				return usageErrorf("specify job ids or --all")
			}
			if !all && (cmd.Flags().Changed("user") || cmd.Flags().Changed("states") || dryRun) {
				return usageErrorf("--user, --states and --dry-run require --all")
			}
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}

			h, err := openBroker()
			if err != nil {
				return err
			}
			defer h.Close()
			client := job.NewClient(h)

			if all {
				uid, err := resolveUser(userID)
				if err != nil {
					return &UsageError{Err: err}
				}
				mask, err := job.ParseStates(states)
				if err != nil {
					return &UsageError{Err: err}
				}
				n, err := client.RaiseAll(cmd.Context(), job.RaiseAllRequest{
					DryRun:   dryRun,
					UserID:   uid,
					States:   mask,
					Type:     "cancel",
					Severity: 0,
					Note:     note,
				})
				if err != nil {
					return err
				}
				verb := "Canceled"
				if dryRun {
					verb = "Would cancel"
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "flux-cancel: %s %d %s\n", verb, n, plural(n, "job"))
				return nil
			}

			var errs []error
			for _, id := range ids {
				if err := client.Cancel(cmd.Context(), id, note); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
	c.Flags().StringVarP(&note, "message", "m", "", "attach `NOTE` to the cancel exception")
	c.Flags().BoolVar(&all, "all", false, "cancel all jobs matching --user and --states")
	c.Flags().StringVarP(&userID, "user", "u", "", "with --all, cancel jobs of `USER` (or \"all\")")
	c.Flags().StringVarP(&states, "states", "S", "active", "with --all, cancel jobs in `STATES`")
	c.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "with --all, only report how many jobs would be canceled")
	return c
}

func parseJobIDs(args []string) ([]jobid.ID, error) {
	ids := make([]jobid.ID, 0, len(args))
	for _, arg := range args {
		id, err := jobid.Parse(arg)
		if err != nil {
			return nil, &UsageError{Err: fmt.Errorf("%s: %w", arg, err)}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// resolveUser maps "", "all", a uid or a user name to a userid.
func resolveUser(s string) (int, error) {
	switch s {
	case "":
		return os.Getuid(), nil
	case "all":
		return job.UserIDAny, nil
	}
	if uid, err := strconv.Atoi(s); err == nil {
		return uid, nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
