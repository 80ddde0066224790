// SPDX-License-Identifier: AGPL-3.0-or-later
package job

import (
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

// Execution shell service methods, relative to the service name announced
// in the shell.init event.
const (
	ShellStdin     = "stdin"
	ShellOutput    = "output"
	ShellSignal    = "signal"
	ShellPtyResize = "pty-resize"
)

// ShellService is the service name of the shell of job id run by userid.
func ShellService(userid int, id jobid.ID) string {
	return fmt.Sprintf("%d-shell-%d", userid, uint64(id))
}

// IOData is one stdin, stdout or stderr packet. Rank is a task rank or
// "all" for stdin broadcast. EOF closes the stream for that rank.
type IOData struct {
	Stream string `json:"stream"`
	Rank   string `json:"rank"`
	Data   []byte `json:"data,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
}

// SignalRequest asks the shell to deliver Signum to every task.
type SignalRequest struct {
	Signum int `json:"signum"`
}

// PtyResizeRequest carries a new terminal size.
type PtyResizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}
