// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/uri"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const uriWaitInterval = 250 * time.Millisecond

// NewURICmd creates the uri command: resolve a target to a broker URI.
func NewURICmd() *cobra.Command {
	var (
		flags   uri.Flags
		wait    bool
		schemes bool
	)
	c := &cobra.Command{
		Use:   "uri [OPTIONS...] TARGET",
		Short: "Resolve a target such as a job id or pid to a Flux URI",
		Args: usageArgs(func(cmd *cobra.Command, args []string) error {
			if schemes {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := uri.NewResolver(uri.WithLogger(logrus.StandardLogger()))
			if schemes {
				list := r.Schemes()
				names := make([]string, 0, len(list))
				for name := range list {
					names = append(names, name)
				}
				sort.Strings(names)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, name := range names {
					fmt.Fprintf(tw, "%s\t%s\n", name, list[name])
				}
				return tw.Flush()
			}
			if flags.Local && flags.Remote {
				return &UsageError{Err: uri.ErrConflict}
			}

			for {
				out, err := r.Resolve(cmd.Context(), args[0], flags)
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), out)
					return nil
				}
				if !wait || !errors.Is(err, uri.ErrNotRunning) {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return err
				case <-time.After(uriWaitInterval):
				}
			}
		},
	}
	c.Flags().BoolVar(&flags.Local, "local", false, "convert the result to a local:// URI")
	c.Flags().BoolVar(&flags.Remote, "remote", false, "convert the result to an ssh:// URI")
	c.Flags().BoolVar(&wait, "wait", false, "wait until the target instance is running")
	c.Flags().BoolVar(&schemes, "list-schemes", false, "list the supported schemes")
	return c
}
