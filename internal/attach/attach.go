// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach follows a running job: it watches the primary and exec
// eventlogs, copies standard I/O between the local process and the job
// shell, forwards signals and turns the job's end into an exit code.
//
// All callbacks run on the handle's reactor goroutine, so Attach keeps its
// state without locks.
package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/reactor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// InterruptWindow is how close two SIGINTs must be to kill and detach.
const InterruptWindow = 2 * time.Second

// ExitDetached is the exit code after a forced detach (128+SIGINT).
const ExitDetached = 128 + int(unix.SIGINT)

// ErrEventNotPosted is returned by WaitEvent when the eventlog ends
// before the requested event.
var ErrEventNotPosted = errors.New("attach: event not posted")

// Signals handled while attached.
var Signals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGTSTP, unix.SIGWINCH, unix.SIGUSR1}

// JobException is a severity 0 exception observed while attached.
type JobException struct {
	ID       jobid.ID
	Type     string
	Note     string
	Severity int
}

func (e *JobException) Error() string {
	return fmt.Sprintf("%s: exception: type=%s note=%s", e.ID, e.Type, e.Note)
}

// Options controls what Attach wires up. Nil writers discard output.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// LabelIO prefixes each output line with the task rank.
	LabelIO bool
	// LineBuffered sends stdin one line at a time instead of as read.
	LineBuffered bool
	// Events, when set, receives every primary and exec event.
	Events *eventlog.Formatter
	// ReadOnly disables stdin and signal forwarding.
	ReadOnly bool
	// Signals installs the signal watcher.
	Signals bool
	// TerminalFd is the descriptor queried for pty-resize, or -1.
	TerminalFd int

	Log logrus.FieldLogger
	Now func() time.Time
}

// Result summarizes how the job ended.
type Result struct {
	ID        jobid.ID
	Started   bool
	Finished  bool
	Status    int
	Exception *JobException
	Detached  bool
}

// ExitCode maps the result to a process exit code.
func (r Result) ExitCode() int {
	switch {
	case r.Detached:
		return ExitDetached
	case r.Finished:
		return eventlog.ExitCode(r.Status)
	}
	return 1
}

// Attach is the state of one attach session.
type Attach struct {
	h    *broker.Handle
	r    *reactor.Reactor
	id   jobid.ID
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	primary *broker.EventWatcher
	exec    *broker.EventWatcher
	output  *broker.Future
	stdin   *reactor.Watcher
	sigs    *reactor.Watcher

	service   string
	lastInt   time.Time
	midline   map[string]bool
	linebuf   []byte
	stdinQ    []job.IOData
	stdinBusy bool

	res Result
}

// New prepares an attach session for id on h. Nothing happens until Start.
func New(h *broker.Handle, id jobid.ID, opts Options) *Attach {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Attach{
		h:       h,
		r:       h.Reactor(),
		id:      id,
		opts:    opts,
		log:     opts.Log.WithFields(logrus.Fields{"component": "attach", "jobid": id.String()}),
		midline: map[string]bool{},
		res:     Result{ID: id},
	}
}

// Run attaches to id and runs the reactor until the job is clean or the
// session detaches.
func Run(ctx context.Context, h *broker.Handle, id jobid.ID, opts Options) (Result, error) {
	a := New(h, id, opts)
	a.Start(ctx)
	err := a.r.Run(ctx)
	a.Close()
	return a.Result(), err
}

// Start registers the eventlog watch and signal watcher on the reactor.
func (a *Attach) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.primary = a.h.EventWatch(a.ctx, a.id, eventlog.Primary, 0)
	a.primary.Future().Then(a.onPrimary)
	if a.opts.Signals && !a.opts.ReadOnly {
		a.sigs = a.r.WatchSignals(a.onSignal, Signals...)
		a.sigs.Unref()
	}
}

// Result returns what has been observed so far.
func (a *Attach) Result() Result { return a.res }

// Close releases watchers and aborts outstanding streams.
func (a *Attach) Close() {
	a.stopLocal()
	for _, w := range []*broker.EventWatcher{a.primary, a.exec} {
		if w != nil {
			w.Close()
		}
	}
	if a.output != nil {
		a.output.Destroy()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Attach) stopLocal() {
	if a.stdin != nil {
		a.stdin.Stop()
		a.stdin = nil
	}
	if a.sigs != nil {
		a.sigs.Stop()
		a.sigs = nil
	}
}

func (a *Attach) onPrimary(value any, err error) error {
	if err != nil {
		if a.sigs != nil {
			a.sigs.Stop()
			a.sigs = nil
		}
		if errors.Is(err, broker.ErrNoData) || a.res.Detached {
			return nil
		}
		return fmt.Errorf("%s: eventlog: %w", a.id, err)
	}
	ev, err := broker.DecodeEvent(value)
	if err != nil {
		return err
	}
	if err := a.opts.Events.Write(ev); err != nil {
		return err
	}
	switch ev.Name {
	case eventlog.Start:
		a.res.Started = true
		a.watchExec()
	case eventlog.Exception:
		sev, _ := ev.Int("severity")
		if sev != 0 {
			a.log.WithField("type", ev.String("type")).Debug("non-fatal exception")
			break
		}
		exc := &JobException{ID: a.id, Type: ev.String("type"), Note: ev.String("note"), Severity: sev}
		if a.res.Exception == nil {
			a.res.Exception = exc
		}
		fmt.Fprintln(a.opts.Stderr, exc.Error())
	case eventlog.Finish:
		status, _ := ev.Int("status")
		a.res.Finished = true
		a.res.Status = status
		a.reportStatus(status)
	}
	return nil
}

// reportStatus notes signal deaths only. A plain non-zero exit is carried by
// the exit code alone.
func (a *Attach) reportStatus(status int) {
	if sig, ok := eventlog.Signaled(status); ok {
		fmt.Fprintf(a.opts.Stderr, "%s: task(s) terminated by %s\n", a.id, unix.SignalName(unix.Signal(sig)))
	}
}

func (a *Attach) watchExec() {
	if a.exec != nil {
		return
	}
	a.exec = a.h.EventWatch(a.ctx, a.id, eventlog.Exec, broker.WatchWaitCreate)
	a.exec.Future().Then(a.onExec)
}

func (a *Attach) onExec(value any, err error) error {
	if err != nil {
		if a.stdin != nil {
			a.stdin.Stop()
			a.stdin = nil
		}
		if errors.Is(err, broker.ErrNoData) || a.res.Detached {
			return nil
		}
		return fmt.Errorf("%s: exec eventlog: %w", a.id, err)
	}
	ev, err := broker.DecodeEvent(value)
	if err != nil {
		return err
	}
	shown := ev
	shown.Name = "exec." + ev.Name
	if err := a.opts.Events.Write(shown); err != nil {
		return err
	}
	if ev.Name == eventlog.ExecShellInit {
		a.service = ev.String("service")
		if a.service == "" {
			a.service = job.ShellService(os.Getuid(), a.id)
		}
		a.watchOutput()
		a.watchStdin()
	}
	return nil
}

func (a *Attach) watchOutput() {
	if a.output != nil {
		return
	}
	a.output = a.h.StreamRPC(a.ctx, a.service+"."+job.ShellOutput, map[string]any{"id": a.id})
	a.output.Then(func(value any, err error) error {
		if err != nil {
			if errors.Is(err, broker.ErrNoData) || a.res.Detached {
				return nil
			}
			return fmt.Errorf("%s: output: %w", a.id, err)
		}
		var d job.IOData
		if err := broker.Unmarshal(value, &d); err != nil {
			return err
		}
		return a.writeOutput(d)
	})
}

func (a *Attach) writeOutput(d job.IOData) error {
	w := a.opts.Stdout
	if d.Stream == "stderr" {
		w = a.opts.Stderr
	}
	if len(d.Data) == 0 {
		return nil
	}
	if !a.opts.LabelIO {
		_, err := w.Write(d.Data)
		return err
	}
	key := d.Stream + "/" + d.Rank
	var b bytes.Buffer
	for _, line := range bytes.SplitAfter(d.Data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !a.midline[key] {
			fmt.Fprintf(&b, "%s: ", d.Rank)
		}
		b.Write(line)
		a.midline[key] = line[len(line)-1] != '\n'
	}
	_, err := w.Write(b.Bytes())
	return err
}

func (a *Attach) watchStdin() {
	if a.opts.ReadOnly || a.opts.Stdin == nil || a.stdin != nil {
		return
	}
	a.stdin = a.r.WatchReader(a.opts.Stdin, a.onStdin)
	a.stdin.Unref()
}

func (a *Attach) onStdin(data []byte, eof bool) error {
	if eof {
		if len(a.linebuf) > 0 {
			a.queueStdin(job.IOData{Stream: "stdin", Rank: "all", Data: a.linebuf})
			a.linebuf = nil
		}
		a.queueStdin(job.IOData{Stream: "stdin", Rank: "all", EOF: true})
		return nil
	}
	if !a.opts.LineBuffered {
		a.queueStdin(job.IOData{Stream: "stdin", Rank: "all", Data: data})
		return nil
	}
	a.linebuf = append(a.linebuf, data...)
	if i := bytes.LastIndexByte(a.linebuf, '\n'); i >= 0 {
		a.queueStdin(job.IOData{Stream: "stdin", Rank: "all", Data: append([]byte(nil), a.linebuf[:i+1]...)})
		a.linebuf = append(a.linebuf[:0], a.linebuf[i+1:]...)
	}
	return nil
}

// queueStdin keeps at most one stdin request in flight so packets reach
// the shell in order.
func (a *Attach) queueStdin(d job.IOData) {
	a.stdinQ = append(a.stdinQ, d)
	a.pumpStdin()
}

func (a *Attach) pumpStdin() {
	if a.stdinBusy || len(a.stdinQ) == 0 || a.service == "" {
		return
	}
	d := a.stdinQ[0]
	a.stdinQ = a.stdinQ[1:]
	a.stdinBusy = true
	f := a.h.RPC(a.ctx, a.service+"."+job.ShellStdin, d)
	f.Then(func(_ any, err error) error {
		f.Destroy()
		a.stdinBusy = false
		if err != nil {
			a.log.WithError(err).Warn("stdin write failed, dropping input")
			a.stdinQ = nil
			return nil
		}
		a.pumpStdin()
		return nil
	})
}

func (a *Attach) onSignal(sig os.Signal) error {
	s, ok := sig.(unix.Signal)
	if !ok {
		return nil
	}
	switch s {
	case unix.SIGINT:
		now := a.opts.Now()
		if !a.lastInt.IsZero() && now.Sub(a.lastInt) <= InterruptWindow {
			a.detach()
			return nil
		}
		a.lastInt = now
		fmt.Fprintf(a.opts.Stderr, "%s: canceling, interrupt again within %s to kill and detach\n", a.id, InterruptWindow)
		a.send(job.TopicRaise, job.RaiseRequest{ID: a.id, Type: "cancel", Severity: 0, Note: "interrupted by SIGINT"}, nil)
	case unix.SIGWINCH:
		a.resize()
	default:
		a.forward(s, nil)
	}
	return nil
}

func (a *Attach) forward(s unix.Signal, done func()) {
	if a.service == "" {
		a.log.WithField("signal", unix.SignalName(s)).Debug("shell not running, signal dropped")
		if done != nil {
			done()
		}
		return
	}
	a.send(a.service+"."+job.ShellSignal, job.SignalRequest{Signum: int(s)}, done)
}

func (a *Attach) resize() {
	if a.service == "" || a.opts.TerminalFd < 0 || !term.IsTerminal(a.opts.TerminalFd) {
		return
	}
	cols, rows, err := term.GetSize(a.opts.TerminalFd)
	if err != nil {
		a.log.WithError(err).Debug("terminal size unavailable")
		return
	}
	a.send(a.service+"."+job.ShellPtyResize, job.PtyResizeRequest{Rows: rows, Cols: cols}, nil)
}

// detach kills the job, then stops the reactor without waiting for clean.
func (a *Attach) detach() {
	if a.res.Detached {
		return
	}
	a.res.Detached = true
	a.stopLocal()
	fmt.Fprintf(a.opts.Stderr, "%s: killed, detaching\n", a.id)
	a.forward(unix.SIGKILL, a.r.Stop)
}

// send issues a request whose reply only matters for logging.
func (a *Attach) send(topic string, payload any, done func()) {
	f := a.h.RPC(a.ctx, topic, payload)
	f.Then(func(_ any, err error) error {
		f.Destroy()
		if err != nil {
			a.log.WithError(err).WithField("topic", topic).Warn("request failed")
		}
		if done != nil {
			done()
		}
		return nil
	})
}

// WaitEvent follows the primary eventlog of id until name is posted, or
// until clean when name is empty. The returned Result reflects the finish
// and exception events seen on the way.
func WaitEvent(ctx context.Context, h *broker.Handle, id jobid.ID, name string, events *eventlog.Formatter) (Result, error) {
	res := Result{ID: id}
	w := h.EventWatch(ctx, id, eventlog.Primary, 0)
	defer w.Close()
	for {
		ev, err := w.Next(ctx)
		if err != nil {
			return res, fmt.Errorf("%s: eventlog: %w", id, err)
		}
		if ev == nil {
			if name == "" || name == eventlog.Clean {
				return res, nil
			}
			return res, fmt.Errorf("%s: %s: %w", id, name, ErrEventNotPosted)
		}
		if err := events.Write(*ev); err != nil {
			return res, err
		}
		switch ev.Name {
		case eventlog.Start:
			res.Started = true
		case eventlog.Finish:
			res.Finished = true
			res.Status, _ = ev.Int("status")
		case eventlog.Exception:
			if sev, _ := ev.Int("severity"); sev == 0 && res.Exception == nil {
				res.Exception = &JobException{ID: id, Type: ev.String("type"), Note: ev.String("note")}
			}
		}
		if name != "" && ev.Name == name {
			w.Cancel()
			return res, nil
		}
	}
}
