// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewRelayCmd creates the relay command the ssh connector runs on the
// remote host: it joins stdin and stdout to a local broker socket.
func NewRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "relay PATH",
		Short:  "Relay stdio to a local broker socket",
		Hidden: true,
		Args:   usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relay(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func relay(ctx context.Context, path string, in io.Reader, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	uc := conn.(*net.UnixConn)
	defer uc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(uc, in)
		// EOF on stdin half-closes the socket so the broker sees the end
		// of the request stream.
		_ = uc.CloseWrite()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(out, uc)
		return err
	})
	go func() {
		<-gctx.Done()
		_ = uc.Close()
	}()
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
