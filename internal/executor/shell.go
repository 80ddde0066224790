// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor is the job shell of the reference instance. It
// materializes a job's files in a private tmpdir, starts one process per
// task in its own process group, forwards stdin and signals, and reports
// output and exec events to a Sink.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/executor/container"
	"github.com/flux-framework/flux-core-sub001/internal/fsd"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Stream names.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

const (
	tmpdirToken    = "{{tmpdir}}"
	runDurationKey = "system.exec.test.run_duration"
	readChunk      = 4096
)

// ErrNotRunning is returned for stdin or signals sent after the tasks exited.
var ErrNotRunning = errors.New("executor: tasks are not running")

// Sink receives what the shell produces. Calls for one shell are serialized
// per stream but may come from several goroutines.
type Sink interface {
	// Event posts to the job's exec eventlog.
	Event(name string, context map[string]any)
	// Output appends one output packet. EOF packets close a stream.
	Output(d job.IOData)
}

// Spec describes the job to run.
type Spec struct {
	ID      jobid.ID
	Jobspec *jobspec.Jobspec
	// Service is the shell service name announced in shell.init.
	Service string
	// URI is exported to tasks as FLUX_URI.
	URI string
	// TmpRoot is the parent directory of the job tmpdir.
	TmpRoot string
	// Size is the number of nodes allocated to the job.
	Size int
	Log  logrus.FieldLogger
}

// Shell runs the tasks of one job.
type Shell struct {
	spec   Spec
	sink   Sink
	log    logrus.FieldLogger
	tmpdir string

	tasks   []*task
	runtime container.Runtime
	signals chan int

	mu     sync.Mutex
	rows   int
	cols   int
	status int
	exited bool
	done   chan struct{}
}

type task struct {
	rank      int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	container string
	status    int
	// wait blocks until both output pumps reached EOF.
	wait func()
}

// Start launches the job. It posts init, starting, shell.init and
// shell.start and returns once the tasks are running; Done is closed after
// complete and done have been posted.
func Start(ctx context.Context, spec Spec, sink Sink) (*Shell, error) {
	log := spec.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Shell{
		spec: spec,
		sink: sink,
		log:  log.WithFields(logrus.Fields{"component": "shell", "jobid": spec.ID.String()}),
		done: make(chan struct{}),
	}
	ntasks := spec.Jobspec.Ntasks()
	if ntasks < 1 {
		ntasks = 1
	}
	size := spec.Size
	if size < 1 {
		size = 1
	}

	sink.Event(eventlog.ExecInit, nil)
	tmpdir, err := os.MkdirTemp(spec.TmpRoot, "jobtmp-"+spec.ID.Encode(jobid.Dec)+"-")
	if err != nil {
		return nil, fmt.Errorf("job tmpdir: %w", err)
	}
	s.tmpdir = tmpdir
	if err := materializeFiles(spec.Jobspec, tmpdir); err != nil {
		os.RemoveAll(tmpdir)
		return nil, err
	}
	sink.Event(eventlog.ExecStarting, nil)
	sink.Event(eventlog.ExecShellInit, map[string]any{
		"service":     spec.Service,
		"leader-rank": 0,
		"size":        size,
	})

	if d, ok, err := runDuration(spec.Jobspec); err != nil {
		os.RemoveAll(tmpdir)
		return nil, err
	} else if ok {
		s.signals = make(chan int, 1)
		sink.Event(eventlog.ExecShellStart, map[string]any{"task-count": ntasks})
		go s.simulate(ctx, d, ntasks)
		return s, nil
	}

	if err := s.startTasks(ntasks); err != nil {
		s.killAll(unix.SIGKILL)
		for _, t := range s.tasks {
			t.wait()
			_ = t.cmd.Wait()
		}
		os.RemoveAll(tmpdir)
		return nil, err
	}
	sink.Event(eventlog.ExecShellStart, map[string]any{"task-count": ntasks})
	go s.wait()
	return s, nil
}

// Tmpdir returns the job tmpdir. It is removed once the job completes.
func (s *Shell) Tmpdir() string { return s.tmpdir }

// Done is closed after the done event.
func (s *Shell) Done() <-chan struct{} { return s.done }

// Status returns the job wait status: the largest task wait status. It is
// valid after Done.
func (s *Shell) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Shell) startTasks(ntasks int) error {
	argv := substituteTmpdir(s.spec.Jobspec.Command(), s.tmpdir)
	if len(argv) == 0 {
		return fmt.Errorf("%w: jobspec has no command", jobspec.ErrInvalid)
	}
	image, network := containerOptions(s.spec.Jobspec)
	if image != "" {
		rt, err := container.DetectRuntime(nil)
		if err != nil {
			return err
		}
		s.runtime = rt
	}
	cwd := s.spec.Jobspec.Cwd()
	if cwd == "" {
		cwd = s.tmpdir
	}
	for rank := 0; rank < ntasks; rank++ {
		env := buildTaskEnv(s.spec, s.tmpdir, rank, ntasks)
		t := &task{rank: rank}
		var cmd *exec.Cmd
		if image != "" {
			t.container = container.Name(s.spec.ID.Encode(jobid.Dec), rank)
			args, err := container.BuildArgs(container.Options{
				Runtime:     s.runtime,
				Image:       image,
				Name:        t.container,
				Command:     argv,
				Env:         env,
				WorkDir:     cwd,
				Mounts:      []container.Mount{{Source: s.tmpdir, Destination: s.tmpdir}},
				NetworkMode: network,
				Interactive: true,
			})
			if err != nil {
				return err
			}
			cmd = exec.Command(args[0], args[1:]...)
			cmd.Env = os.Environ()
		} else {
			cmd = exec.Command(argv[0], argv[1:]...)
			cmd.Env = env
			cmd.Dir = cwd
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			s.sink.Output(job.IOData{Stream: Stderr, Rank: strconv.Itoa(rank), Data: []byte(fmt.Sprintf("flux-shell: task %d: %v\n", rank, err))})
			return fmt.Errorf("task %d: %w", rank, err)
		}
		t.cmd = cmd
		t.stdin = stdin
		s.tasks = append(s.tasks, t)
		s.log.WithFields(logrus.Fields{"rank": rank, "pid": cmd.Process.Pid}).Debug("task started")
		t.pumps(s.sink, stdout, stderr)
	}
	return nil
}

// pumps copies task output to the sink until EOF.
func (t *task) pumps(sink Sink, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	rank := strconv.Itoa(t.rank)
	for stream, r := range map[string]io.Reader{Stdout: stdout, Stderr: stderr} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, readChunk)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					sink.Output(job.IOData{Stream: stream, Rank: rank, Data: append([]byte(nil), buf[:n]...)})
				}
				if err != nil {
					sink.Output(job.IOData{Stream: stream, Rank: rank, EOF: true})
					return
				}
			}
		}()
	}
	t.wait = wg.Wait
}

func (s *Shell) wait() {
	var status int
	for _, t := range s.tasks {
		t.wait()
		err := t.cmd.Wait()
		t.status = waitStatus(t.cmd, err)
		if t.container != "" && t.status != 0 {
			if rmErr := container.Remove(context.Background(), s.runtime, t.container); rmErr != nil {
				s.log.WithError(rmErr).Warn("container cleanup failed")
			}
		}
		s.log.WithFields(logrus.Fields{"rank": t.rank, "status": t.status}).Debug("task exited")
		status = max(status, t.status)
	}
	s.finish(status)
}

func (s *Shell) simulate(ctx context.Context, d time.Duration, ntasks int) {
	status := 0
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case sig := <-s.signals:
		status = eventlog.WaitStatus(0, sig)
	case <-ctx.Done():
		status = eventlog.WaitStatus(0, int(unix.SIGKILL))
	}
	for rank := 0; rank < ntasks; rank++ {
		for _, stream := range []string{Stdout, Stderr} {
			s.sink.Output(job.IOData{Stream: stream, Rank: strconv.Itoa(rank), EOF: true})
		}
	}
	s.finish(status)
}

func (s *Shell) finish(status int) {
	s.mu.Lock()
	s.status = status
	s.exited = true
	s.mu.Unlock()
	s.sink.Event(eventlog.ExecComplete, map[string]any{"status": status})
	if err := os.RemoveAll(s.tmpdir); err != nil {
		s.log.WithError(err).Warn("removing job tmpdir")
	}
	s.sink.Event(eventlog.ExecDone, nil)
	close(s.done)
}

// Stdin forwards d to the addressed task, or every task for rank "all".
// EOF closes the tasks' standard input.
func (s *Shell) Stdin(d job.IOData) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return ErrNotRunning
	}
	if s.signals != nil {
		return nil
	}
	var targets []*task
	for _, t := range s.tasks {
		if d.Rank == "" || d.Rank == "all" || d.Rank == strconv.Itoa(t.rank) {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("executor: no task with rank %q", d.Rank)
	}
	for _, t := range targets {
		if len(d.Data) > 0 {
			if _, err := t.stdin.Write(d.Data); err != nil && !errors.Is(err, os.ErrClosed) {
				return fmt.Errorf("stdin rank %d: %w", t.rank, err)
			}
		}
		if d.EOF {
			t.stdin.Close()
		}
	}
	return nil
}

// Signal delivers signum to every task's process group.
func (s *Shell) Signal(signum int) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return ErrNotRunning
	}
	if s.signals != nil {
		select {
		case s.signals <- signum:
		default:
		}
		return nil
	}
	s.log.WithField("signal", unix.SignalName(unix.Signal(signum))).Debug("signaling tasks")
	return s.killAll(unix.Signal(signum))
}

func (s *Shell) killAll(sig unix.Signal) error {
	var errs []error
	for _, t := range s.tasks {
		if t.cmd == nil || t.cmd.Process == nil {
			continue
		}
		if err := unix.Kill(-t.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("rank %d: %w", t.rank, err))
		}
	}
	return errors.Join(errs...)
}

// Resize records the terminal size of the attached client. Tasks do not
// run under a pty, so the size is only exported to tasks started later.
func (s *Shell) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("executor: invalid terminal size %dx%d", rows, cols)
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

// Size returns the last terminal size set with Resize.
func (s *Shell) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

func waitStatus(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			return int(ws)
		}
	}
	if err != nil {
		return eventlog.WaitStatus(1, 0)
	}
	return 0
}

func substituteTmpdir(argv []string, tmpdir string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, tmpdirToken, tmpdir)
	}
	return out
}

// materializeFiles writes attributes.system.files into dir.
func materializeFiles(js *jobspec.Jobspec, dir string) error {
	files, err := js.Files()
	if err != nil {
		return err
	}
	for name, ref := range files {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return fmt.Errorf("%w: file name %q", jobspec.ErrInvalid, name)
		}
		data, err := ref.Contents()
		if err != nil {
			return fmt.Errorf("file %s: %w", name, err)
		}
		perm := ref.Perm()
		if perm == 0 {
			perm = 0o600
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, perm); err != nil {
			return fmt.Errorf("file %s: %w", name, err)
		}
	}
	return nil
}

// runDuration returns exec.test.run_duration when set.
func runDuration(js *jobspec.Jobspec) (time.Duration, bool, error) {
	v, ok := js.GetAttribute(runDurationKey)
	if !ok {
		return 0, false, nil
	}
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second)), true, nil
	case string:
		dur, err := fsd.Duration(d)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", runDurationKey, err)
		}
		return dur, true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be a duration", jobspec.ErrTypeMismatch, runDurationKey)
}

func containerOptions(js *jobspec.Jobspec) (image, network string) {
	if v, ok := js.GetAttribute("system.shell.options.container.image"); ok {
		image, _ = v.(string)
	}
	if v, ok := js.GetAttribute("system.shell.options.container.network"); ok {
		network, _ = v.(string)
	}
	return image, network
}
