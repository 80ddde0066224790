// SPDX-License-Identifier: AGPL-3.0-or-later
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Endpoint schemes.
const (
	SchemeLocal = "local"
	SchemeTCP   = "tcp"
	SchemeSSH   = "ssh"
)

// Endpoint is a parsed broker URI.
type Endpoint struct {
	Scheme string
	User   string
	Host   string
	Port   string
	Path   string
	Raw    string
}

// ParseEndpoint parses local://PATH, tcp://HOST:PORT and
// ssh://[USER@]HOST[:PORT]/PATH.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("broker: invalid uri %q: %w", raw, err)
	}
	ep := Endpoint{Scheme: u.Scheme, Raw: raw}
	switch u.Scheme {
	case SchemeLocal:
		ep.Path = u.Host + u.Path
		if ep.Path == "" {
			return Endpoint{}, fmt.Errorf("broker: %q: missing socket path", raw)
		}
	case SchemeTCP:
		ep.Host = u.Hostname()
		ep.Port = u.Port()
		if ep.Host == "" || ep.Port == "" {
			return Endpoint{}, fmt.Errorf("broker: %q: expected tcp://HOST:PORT", raw)
		}
	case SchemeSSH:
		ep.Host = u.Hostname()
		ep.Port = u.Port()
		ep.Path = u.Path
		if u.User != nil {
			ep.User = u.User.Username()
		}
		if ep.Host == "" || ep.Path == "" {
			return Endpoint{}, fmt.Errorf("broker: %q: expected ssh://[USER@]HOST[:PORT]/PATH", raw)
		}
	default:
		return Endpoint{}, fmt.Errorf("broker: unsupported connector %q", u.Scheme)
	}
	return ep, nil
}

// String renders the endpoint back to URI form.
func (ep Endpoint) String() string {
	switch ep.Scheme {
	case SchemeLocal:
		return "local://" + ep.Path
	case SchemeTCP:
		return "tcp://" + net.JoinHostPort(ep.Host, ep.Port)
	case SchemeSSH:
		host := ep.Host
		if ep.Port != "" {
			host = net.JoinHostPort(ep.Host, ep.Port)
		}
		if ep.User != "" {
			host = ep.User + "@" + host
		}
		return "ssh://" + host + ep.Path
	}
	return ep.Raw
}

// DialFunc opens a byte stream to the broker.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Dialer returns a dial function for the endpoint.
func (ep Endpoint) Dialer() DialFunc {
	switch ep.Scheme {
	case SchemeLocal:
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", ep.Path)
		}
	case SchemeTCP:
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, ep.Port))
		}
	case SchemeSSH:
		return ep.sshDial
	}
	return func(context.Context) (net.Conn, error) {
		return nil, fmt.Errorf("broker: unsupported connector %q", ep.Scheme)
	}
}

// SSHCommand returns the argv used to reach the remote socket.
func (ep Endpoint) SSHCommand() []string {
	sshProg := os.Getenv("FLUX_SSH")
	if sshProg == "" {
		sshProg = "ssh"
	}
	rcmd := os.Getenv("FLUX_SSH_RCMD")
	if rcmd == "" {
		rcmd = "flux"
	}
	argv := strings.Fields(sshProg)
	if ep.Port != "" {
		argv = append(argv, "-p", ep.Port)
	}
	host := ep.Host
	if ep.User != "" {
		host = ep.User + "@" + host
	}
	return append(argv, host, rcmd, "relay", ep.Path)
}

func (ep Endpoint) sshDial(ctx context.Context) (net.Conn, error) {
	argv := ep.SSHCommand()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdConn{cmd: cmd, r: stdout, w: stdin, raddr: ep.Raw}, nil
}

// cmdConn adapts a child process's stdio to net.Conn.
type cmdConn struct {
	cmd   *exec.Cmd
	r     io.ReadCloser
	w     io.WriteCloser
	raddr string
}

func (c *cmdConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *cmdConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *cmdConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return errors.Join(werr, rerr)
}

func (c *cmdConn) LocalAddr() net.Addr                { return pipeAddr("local") }
func (c *cmdConn) RemoteAddr() net.Addr               { return pipeAddr(c.raddr) }
func (c *cmdConn) SetDeadline(t time.Time) error      { return nil }
func (c *cmdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *cmdConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
