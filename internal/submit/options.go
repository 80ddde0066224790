// SPDX-License-Identifier: AGPL-3.0-or-later

// Package submit turns command-line options into jobspecs and sends them
// to the ingest service. It backs the submit, run, batch, alloc and
// bulksubmit commands.
package submit

import (
	"fmt"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/idset"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

// Mode selects the resource options of a command family.
type Mode int

const (
	// ModeCommand sizes the job by tasks (submit, run, bulksubmit).
	ModeCommand Mode = iota
	// ModeNest sizes a nested instance by slots (batch, alloc).
	ModeNest
)

// Options is the typed form of the submission flags shared by the
// submit family of commands.
type Options struct {
	Mode Mode

	NTasks       int
	CoresPerTask int
	GpusPerTask  int
	Nodes        int
	Exclusive    bool

	Conf       []string
	BrokerOpts []string

	Queue     string
	TimeLimit string
	JobName   string
	Cwd       string
	BeginTime string
	Urgency   int

	ShellOptions []string
	SetAttr      []string
	AddFile      []string
	Env          []string
	EnvRemove    []string
	EnvFile      []string
	Dependency   []string
	Requires     []string

	Input      string
	Output     string
	Error      string
	LabelIO    bool
	Unbuffered bool

	Flags []string
	Debug bool

	Cc  string
	Bcc string

	DryRun    bool
	Quiet     bool
	Wait      bool
	WaitEvent string

	// Fs reads files named by options. Defaults to the host filesystem.
	Fs afero.Fs
	// Environ is the environment the job inherits. Defaults to the
	// current process environment.
	Environ map[string]string
}

// NewOptions returns options with the command defaults.
func NewOptions(mode Mode) *Options {
	return &Options{
		Mode:         mode,
		NTasks:       1,
		CoresPerTask: 1,
		Urgency:      job.UrgencyDefault,
	}
}

// Bind registers the options on fs.
func (o *Options) Bind(fs *pflag.FlagSet) {
	if o.Mode == ModeNest {
		fs.IntVarP(&o.NTasks, "nslots", "n", 0, "number of slots to allocate")
		fs.IntVarP(&o.CoresPerTask, "cores-per-slot", "c", 1, "number of cores per slot")
		fs.IntVarP(&o.GpusPerTask, "gpus-per-slot", "g", 0, "number of gpus per slot")
		fs.StringArrayVar(&o.Conf, "conf", nil, "set instance config `KEY=VAL`, or load a config `FILE`")
		fs.StringArrayVar(&o.BrokerOpts, "broker-opts", nil, "pass `OPT` to the nested broker")
	} else {
		fs.IntVarP(&o.NTasks, "ntasks", "n", 1, "number of tasks to start")
		fs.IntVarP(&o.CoresPerTask, "cores-per-task", "c", 1, "number of cores per task")
		fs.IntVarP(&o.GpusPerTask, "gpus-per-task", "g", 0, "number of gpus per task")
	}
	fs.IntVarP(&o.Nodes, "nodes", "N", 0, "distribute the job across `N` nodes")
	fs.BoolVarP(&o.Exclusive, "exclusive", "x", false, "allocate nodes exclusively")

	fs.StringVarP(&o.Queue, "queue", "q", "", "submit to `QUEUE`")
	fs.StringVarP(&o.TimeLimit, "time-limit", "t", "", "time limit as an FSD, e.g. 2h")
	fs.StringVar(&o.JobName, "job-name", "", "set the job name")
	fs.StringVar(&o.Cwd, "cwd", "", "run the job in `DIR`")
	fs.StringVar(&o.BeginTime, "begin-time", "", "do not start the job before `TIME`")
	fs.IntVar(&o.Urgency, "urgency", job.UrgencyDefault, "urgency 0-31; 0 holds the job")

	fs.StringArrayVarP(&o.ShellOptions, "setopt", "o", nil, "set shell option `OPT[=VAL]`")
	fs.StringArrayVarP(&o.SetAttr, "setattr", "S", nil, "set job attribute `KEY[=VAL]`")
	fs.StringArrayVar(&o.AddFile, "add-file", nil, "attach file `[NAME=]SOURCE`")
	fs.StringArrayVar(&o.Env, "env", nil, "environment rule `RULE`")
	fs.StringArrayVar(&o.EnvRemove, "env-remove", nil, "remove variables matching `PATTERN`")
	fs.StringArrayVar(&o.EnvFile, "env-file", nil, "read environment rules from `FILE`")
	fs.StringArrayVar(&o.Dependency, "dependency", nil, "add dependency `SCHEME:VALUE`")
	fs.StringArrayVar(&o.Requires, "requires", nil, "constraint expression the resources must satisfy")

	fs.StringVar(&o.Input, "input", "", "redirect job stdin from `FILE`")
	fs.StringVar(&o.Output, "output", "", "redirect job stdout to `FILE`")
	fs.StringVar(&o.Error, "error", "", "redirect job stderr to `FILE`")
	fs.BoolVarP(&o.LabelIO, "label-io", "l", false, "label output lines with the task rank")
	fs.BoolVarP(&o.Unbuffered, "unbuffered", "u", false, "disable output buffering")

	fs.StringArrayVar(&o.Flags, "flags", nil, "submit flags: waitable, debug, novalidate")
	fs.BoolVar(&o.Debug, "debug", false, "enable job debug events")

	fs.StringVar(&o.Cc, "cc", "", "submit one copy per id in `IDSET`, substituting {cc}")
	fs.StringVar(&o.Bcc, "bcc", "", "like --cc without setting FLUX_JOB_CC")

	fs.BoolVar(&o.DryRun, "dry-run", false, "print the jobspec instead of submitting")
	fs.BoolVar(&o.Quiet, "quiet", false, "do not print the job id")
}

// BindWait registers the submit-only wait flags.
func (o *Options) BindWait(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Wait, "wait", false, "wait for the job to complete")
	fs.StringVar(&o.WaitEvent, "wait-event", "", "wait for `EVENT` in the job eventlog")
}

// SubmitFlags combines --flags and --debug into a flag mask.
func (o *Options) SubmitFlags() (int, error) {
	flags, err := job.ParseFlags(strings.Join(o.Flags, ","))
	if err != nil {
		return 0, err
	}
	if o.Debug {
		flags |= job.FlagDebug
	}
	if o.Wait || o.WaitEvent != "" {
		flags |= job.FlagWaitable
	}
	return flags, nil
}

// CheckUrgency reports an out-of-range urgency.
func (o *Options) CheckUrgency() error {
	if o.Urgency < job.UrgencyMin || o.Urgency > job.UrgencyMax {
		return fmt.Errorf("urgency must be in the range %d-%d", job.UrgencyMin, job.UrgencyMax)
	}
	return nil
}

// CcSet returns the ids of --cc or --bcc and whether FLUX_JOB_CC is set in
// each copy. ok is false when neither was given.
func (o *Options) CcSet() (ids idset.Set, setEnv bool, ok bool, err error) {
	switch {
	case o.Cc != "" && o.Bcc != "":
		return nil, false, false, fmt.Errorf("--cc and --bcc are mutually exclusive")
	case o.Cc != "":
		ids, err = idset.Parse(o.Cc)
		return ids, true, err == nil, err
	case o.Bcc != "":
		ids, err = idset.Parse(o.Bcc)
		return ids, false, err == nil, err
	}
	return nil, false, false, nil
}

func (o *Options) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}
