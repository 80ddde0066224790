// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"fmt"
	"os"
)

// CommandOptions shapes the resources of a command jobspec.
type CommandOptions struct {
	NumTasks     int
	CoresPerTask int
	GpusPerTask  int
	// NumNodes adds a node layer above the task slots when positive.
	NumNodes  int
	Exclusive bool
}

// FromCommand builds a jobspec that runs command as NumTasks tasks, each
// occupying a slot of CoresPerTask cores and GpusPerTask gpus.
func FromCommand(command []string, opts CommandOptions) (*Jobspec, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidArgument)
	}
	if opts.NumTasks < 1 {
		return nil, fmt.Errorf("%w: number of tasks must be >= 1", ErrInvalidArgument)
	}
	if opts.CoresPerTask < 1 {
		return nil, fmt.Errorf("%w: cores per task must be >= 1", ErrInvalidArgument)
	}
	if opts.GpusPerTask < 0 {
		return nil, fmt.Errorf("%w: gpus per task must be >= 0", ErrInvalidArgument)
	}
	if opts.NumNodes < 0 {
		return nil, fmt.Errorf("%w: number of nodes must be >= 1", ErrInvalidArgument)
	}
	children := slotChildren(opts.CoresPerTask, opts.GpusPerTask)

	if opts.NumNodes == 0 {
		slot := Resource{Type: "slot", Label: "task", Count: Fixed(opts.NumTasks), With: children, Exclusive: opts.Exclusive}
		task := Task{Command: cloneArgs(command), Slot: "task", Count: TaskCount{PerSlot: 1}}
		return New([]Resource{slot}, []Task{task}), nil
	}

	if opts.NumNodes > opts.NumTasks {
		return nil, fmt.Errorf("%w: node count %d must not be greater than task count %d",
			ErrInvalidArgument, opts.NumNodes, opts.NumTasks)
	}
	perNode := (opts.NumTasks + opts.NumNodes - 1) / opts.NumNodes
	count := TaskCount{PerSlot: 1}
	if opts.NumTasks%opts.NumNodes != 0 {
		count = TaskCount{Total: opts.NumTasks}
	}
	slot := Resource{Type: "slot", Label: "task", Count: Fixed(perNode), With: children}
	node := Resource{Type: "node", Count: Fixed(opts.NumNodes), With: []Resource{slot}, Exclusive: opts.Exclusive}
	task := Task{Command: cloneArgs(command), Slot: "task", Count: count}
	return New([]Resource{node}, []Task{task}), nil
}

// NestOptions shapes a nested instance jobspec.
type NestOptions struct {
	NumSlots     int
	CoresPerSlot int
	GpusPerSlot  int
	NumNodes     int
	Exclusive    bool
	// BrokerOpts are passed to the nested broker before the initial program.
	BrokerOpts []string
	// Conf is merged under attributes.system.conf.
	Conf map[string]any
}

// BatchScriptPath is the in-job path of the attached batch script.
const BatchScriptPath = "{{tmpdir}}/batch"

// FromBatch builds a jobspec that starts a nested instance running script
// with args as its initial program. The script text is attached as
// files.batch with mode 0700.
func FromBatch(script string, args []string, opts NestOptions) (*Jobspec, error) {
	if script == "" {
		return nil, fmt.Errorf("%w: batch script is empty", ErrInvalidArgument)
	}
	command := append([]string{BatchScriptPath}, args...)
	js, err := fromNest(command, opts)
	if err != nil {
		return nil, err
	}
	if err := js.AddFile("batch", FileSource{Data: script, Inline: true}, 0o700, ""); err != nil {
		return nil, err
	}
	return js, nil
}

// FromNest builds a jobspec for an interactive nested instance. An empty
// command starts the user's shell.
func FromNest(command []string, opts NestOptions) (*Jobspec, error) {
	return fromNest(command, opts)
}

func fromNest(command []string, opts NestOptions) (*Jobspec, error) {
	if opts.NumSlots < 0 {
		return nil, fmt.Errorf("%w: number of slots must be >= 1", ErrInvalidArgument)
	}
	if opts.CoresPerSlot < 1 {
		return nil, fmt.Errorf("%w: cores per slot must be >= 1", ErrInvalidArgument)
	}
	if opts.GpusPerSlot < 0 || opts.NumNodes < 0 {
		return nil, fmt.Errorf("%w: negative resource count", ErrInvalidArgument)
	}
	slots := opts.NumSlots
	argv := append([]string{"flux", "broker", "--bootstrap=job"}, opts.BrokerOpts...)
	argv = append(argv, command...)
	children := slotChildren(opts.CoresPerSlot, opts.GpusPerSlot)

	var js *Jobspec
	if opts.NumNodes > 0 {
		if slots == 0 {
			slots = opts.NumNodes
		}
		if slots < opts.NumNodes {
			return nil, fmt.Errorf("%w: slot count %d is less than node count %d",
				ErrInvalidArgument, slots, opts.NumNodes)
		}
		perNode := (slots + opts.NumNodes - 1) / opts.NumNodes
		count := TaskCount{PerSlot: 1}
		if perNode > 1 {
			count = TaskCount{Total: opts.NumNodes}
		}
		slot := Resource{Type: "slot", Label: "task", Count: Fixed(perNode), With: children}
		node := Resource{Type: "node", Count: Fixed(opts.NumNodes), With: []Resource{slot}, Exclusive: true}
		js = New([]Resource{node}, []Task{{Command: argv, Slot: "task", Count: count}})
	} else {
		if slots == 0 {
			slots = 1
		}
		slot := Resource{Type: "slot", Label: "task", Count: Fixed(slots), With: children, Exclusive: opts.Exclusive}
		js = New([]Resource{slot}, []Task{{Command: argv, Slot: "task", Count: TaskCount{Total: 1}}})
	}
	if len(opts.Conf) > 0 {
		if err := js.MergeAttribute("system.conf", opts.Conf); err != nil {
			return nil, err
		}
	}
	return js, nil
}

// MergeAttribute deep-merges the mapping value into the mapping at key.
func (js *Jobspec) MergeAttribute(key string, value map[string]any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
	}
	src, _ := v.(map[string]any)
	current, ok := js.GetAttribute(key)
	if !ok {
		return js.SetAttribute(key, src)
	}
	dst, ok := current.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s is not a mapping", ErrTypeMismatch, key)
	}
	mergeMaps(dst, src)
	return nil
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// SetDefaults sets the cwd to the current directory and the environment
// to the full current environment when they are not already present.
func (js *Jobspec) SetDefaults() error {
	if _, ok := js.GetAttribute("system.cwd"); !ok {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		if err := js.SetAttribute("system.cwd", cwd); err != nil {
			return err
		}
	}
	if _, ok := js.GetAttribute("system.environment"); !ok {
		if err := js.SetEnvironment(CurrentEnviron()); err != nil {
			return err
		}
	}
	return nil
}

func slotChildren(cores, gpus int) []Resource {
	children := []Resource{{Type: "core", Count: Fixed(cores)}}
	if gpus > 0 {
		children = append(children, Resource{Type: "gpu", Count: Fixed(gpus)})
	}
	return children
}

func cloneArgs(args []string) []string {
	return append([]string(nil), args...)
}
