// SPDX-License-Identifier: AGPL-3.0-or-later
package submit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultFanout bounds concurrent submit requests.
const DefaultFanout = 8

// Input separators on the bulksubmit command line.
const (
	SepList       = ":::"
	SepFile       = "::::"
	SepLinkedList = ":::+"
	SepLinkedFile = "::::+"
)

// Input is one column of bulksubmit inputs. A linked input advances in
// lock-step with the column before it instead of forming a new product
// dimension.
type Input struct {
	Values []string
	Linked bool
}

// ParseInputs splits args into the command template and its input lists.
// "-" after :::: reads lines from stdin.
func ParseInputs(fs afero.Fs, stdin io.Reader, args []string) ([]string, []Input, error) {
	var (
		tmpl     []string
		inputs   []Input
		cur      *Input
		fromFile bool
	)
	for _, arg := range args {
		switch arg {
		case SepList, SepLinkedList, SepFile, SepLinkedFile:
			inputs = append(inputs, Input{Linked: strings.HasSuffix(arg, "+")})
			cur = &inputs[len(inputs)-1]
			fromFile = strings.HasPrefix(arg, SepFile)
			continue
		}
		if cur == nil {
			tmpl = append(tmpl, arg)
			continue
		}
		if !fromFile {
			cur.Values = append(cur.Values, arg)
			continue
		}
		lines, err := readInputFile(fs, stdin, arg)
		if err != nil {
			return nil, nil, err
		}
		cur.Values = append(cur.Values, lines...)
	}
	for i, in := range inputs {
		if len(in.Values) == 0 {
			return nil, nil, fmt.Errorf("bulksubmit: input list %d is empty", i+1)
		}
	}
	if len(inputs) > 0 && inputs[0].Linked {
		return nil, nil, fmt.Errorf("bulksubmit: %s must follow another input list", SepLinkedList)
	}
	return tmpl, inputs, nil
}

func readInputFile(fs afero.Fs, stdin io.Reader, path string) ([]string, error) {
	if path == "-" {
		return ReadLines(stdin)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bulksubmit: %w", err)
	}
	defer f.Close()
	return ReadLines(f)
}

// ReadLines returns the non-empty lines of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// Combinations returns the input rows in order: the first unlinked column
// varies slowest, and linked columns cycle with the column they follow.
func Combinations(inputs []Input) [][]string {
	if len(inputs) == 0 {
		return nil
	}
	type group struct{ cols []int }
	var groups []group
	for i, in := range inputs {
		if in.Linked && len(groups) > 0 {
			groups[len(groups)-1].cols = append(groups[len(groups)-1].cols, i)
			continue
		}
		groups = append(groups, group{cols: []int{i}})
	}
	sizes := make([]int, len(groups))
	total := 1
	for gi, g := range groups {
		for _, c := range g.cols {
			sizes[gi] = max(sizes[gi], len(inputs[c].Values))
		}
		total *= sizes[gi]
	}
	rows := make([][]string, 0, total)
	idx := make([]int, len(groups))
	for n := 0; n < total; n++ {
		row := make([]string, len(inputs))
		for gi, g := range groups {
			for _, c := range g.cols {
				vals := inputs[c].Values
				row[c] = vals[idx[gi]%len(vals)]
			}
		}
		rows = append(rows, row)
		for gi := len(groups) - 1; gi >= 0; gi-- {
			idx[gi]++
			if idx[gi] < sizes[gi] {
				break
			}
			idx[gi] = 0
		}
	}
	return rows
}

// Define is a named --define template, referenced as {.NAME}.
type Define struct {
	Name     string
	Template *template.Template
}

// TemplateData is the data a --define template is executed against.
type TemplateData struct {
	Inputs []string
	Seq    int
	Cc     string
}

var templateFuncs = template.FuncMap{
	"base": filepath.Base,
	"dir":  filepath.Dir,
	"ext":  filepath.Ext,
	"stem": func(p string) string {
		b := filepath.Base(p)
		return strings.TrimSuffix(b, filepath.Ext(b))
	},
}

// ParseDefine parses a NAME=TEMPLATE argument.
func ParseDefine(arg string) (Define, error) {
	name, text, ok := strings.Cut(arg, "=")
	if !ok || name == "" {
		return Define{}, fmt.Errorf("--define: expected NAME=TEMPLATE, got %q", arg)
	}
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return Define{}, fmt.Errorf("--define %s: %w", name, err)
	}
	return Define{Name: name, Template: t}, nil
}

// ErrReplacement is returned for an invalid {...} replacement.
var ErrReplacement = errors.New("bulksubmit: invalid replacement")

// Substitution expands {...} replacement fields for one job.
type Substitution struct {
	Inputs  []string
	Seq     int
	Defines map[string]Define
	// Cc is left in place when empty so a later --cc pass can fill it.
	Cc string
}

// Expand replaces {} (next input), {N}, {seq}, {seq1}, {cc} and {.NAME}
// in s. Doubled braces produce literal braces. used reports whether an
// input was referenced.
func (sub Substitution) Expand(s string, next *int) (out string, used bool, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			b.WriteByte('{')
			i++
			continue
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			b.WriteByte('}')
			i++
			continue
		case c != '{':
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return "", false, fmt.Errorf("%w: unterminated field in %q", ErrReplacement, s)
		}
		field := s[i+1 : i+end]
		i += end
		val, isInput, err := sub.field(field, next)
		if err != nil {
			return "", false, err
		}
		used = used || isInput
		b.WriteString(val)
	}
	return b.String(), used, nil
}

func (sub Substitution) field(field string, next *int) (string, bool, error) {
	switch {
	case field == "":
		n := *next
		*next++
		if n >= len(sub.Inputs) {
			return "", false, fmt.Errorf("%w: {} exceeds the %d inputs", ErrReplacement, len(sub.Inputs))
		}
		return sub.Inputs[n], true, nil
	case field == "seq":
		return strconv.Itoa(sub.Seq), false, nil
	case field == "seq1":
		return strconv.Itoa(sub.Seq + 1), false, nil
	case field == "cc":
		if sub.Cc == "" {
			return "{cc}", false, nil
		}
		return sub.Cc, false, nil
	case strings.HasPrefix(field, "."):
		d, ok := sub.Defines[field[1:]]
		if !ok {
			return "", false, fmt.Errorf("%w: {%s} is not defined", ErrReplacement, field)
		}
		var b strings.Builder
		data := TemplateData{Inputs: sub.Inputs, Seq: sub.Seq, Cc: sub.Cc}
		if err := d.Template.Execute(&b, data); err != nil {
			return "", false, fmt.Errorf("%w: {%s}: %v", ErrReplacement, field, err)
		}
		return b.String(), false, nil
	}
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 {
		return "", false, fmt.Errorf("%w: {%s}", ErrReplacement, field)
	}
	if n >= len(sub.Inputs) {
		return "", false, fmt.Errorf("%w: {%d} exceeds the %d inputs", ErrReplacement, n, len(sub.Inputs))
	}
	return sub.Inputs[n], true, nil
}

// Argv expands the command template. When no input is referenced the
// inputs are appended to the command.
func (sub Substitution) Argv(tmpl []string) ([]string, error) {
	next := 0
	anyUsed := false
	out := make([]string, 0, len(tmpl)+len(sub.Inputs))
	for _, arg := range tmpl {
		s, used, err := sub.Expand(arg, &next)
		if err != nil {
			return nil, err
		}
		anyUsed = anyUsed || used
		out = append(out, s)
	}
	if !anyUsed {
		out = append(out, sub.Inputs...)
	}
	return out, nil
}

// Options applies the substitution to the string-valued options.
func (sub Substitution) Options(o *Options) (*Options, error) {
	cp := *o
	var firstErr error
	str := func(s string) string {
		if s == "" || firstErr != nil {
			return s
		}
		next := 0
		out, _, err := sub.Expand(s, &next)
		if err != nil {
			firstErr = err
		}
		return out
	}
	list := func(in []string) []string {
		if len(in) == 0 {
			return in
		}
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = str(s)
		}
		return out
	}
	cp.JobName = str(o.JobName)
	cp.Cwd = str(o.Cwd)
	cp.Queue = str(o.Queue)
	cp.Input = str(o.Input)
	cp.Output = str(o.Output)
	cp.Error = str(o.Error)
	cp.SetAttr = list(o.SetAttr)
	cp.ShellOptions = list(o.ShellOptions)
	cp.Env = list(o.Env)
	cp.Dependency = list(o.Dependency)
	return &cp, firstErr
}

// Job is one bulk submission.
type Job struct {
	Seq  int
	Argv []string
	Spec *jobspec.Jobspec
	ID   jobid.ID
	Err  error
}

// Bulk submits the product of a command template and its inputs.
type Bulk struct {
	Builder *Builder
	Submit  Func
	Defines []Define
	Fanout  int

	Shuffle bool
	// Seed fixes the shuffle order when SeedSet is true.
	Seed    int64
	SeedSet bool

	DryRun bool
	// Out receives dry-run lines.
	Out io.Writer
	// Progress, when set, receives a progress line after each submit.
	Progress io.Writer
	Log      logrus.FieldLogger
}

// Prepare expands every input row into a jobspec, including --cc copies,
// in submission order.
func (b *Bulk) Prepare(tmpl []string, inputs []Input) ([]*Job, error) {
	rows := Combinations(inputs)
	if len(rows) == 0 {
		rows = [][]string{nil}
	}
	defines := make(map[string]Define, len(b.Defines))
	for _, d := range b.Defines {
		defines[d.Name] = d
	}
	ccs, setEnv, hasCc, err := b.Builder.Options.CcSet()
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for seq, row := range rows {
		sub := Substitution{Inputs: row, Seq: seq, Defines: defines}
		argv, err := sub.Argv(tmpl)
		if err != nil {
			return nil, err
		}
		opts, err := sub.Options(b.Builder.Options)
		if err != nil {
			return nil, err
		}
		builder := &Builder{Options: opts, Command: b.Builder.Command, Plugins: b.Builder.Plugins}
		js, err := builder.Build(argv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", shellquote.Join(argv...), err)
		}
		if !hasCc {
			jobs = append(jobs, &Job{Seq: seq, Argv: argv, Spec: js})
			continue
		}
		for _, id := range ccs {
			cp, err := WithCc(js, id, setEnv)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, &Job{Seq: seq, Argv: cp.Command(), Spec: cp})
		}
	}
	if b.Shuffle {
		seed := b.Seed
		if !b.SeedSet {
			seed = time.Now().UnixNano()
			b.logger().WithField("seed", seed).Debug("shuffling inputs")
		}
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })
	}
	return jobs, nil
}

func (b *Bulk) logger() logrus.FieldLogger {
	if b.Log == nil {
		return logrus.StandardLogger().WithField("component", "bulksubmit")
	}
	return b.Log
}

// Run submits jobs with at most Fanout requests in flight. Every job is
// attempted; the returned error joins the individual failures.
func (b *Bulk) Run(ctx context.Context, jobs []*Job) error {
	opts := b.Builder.Options
	if b.DryRun {
		for _, j := range jobs {
			if _, err := fmt.Fprintf(b.Out, "bulksubmit: submit %s\n", shellquote.Join(j.Argv...)); err != nil {
				return err
			}
		}
		return nil
	}
	flags, err := opts.SubmitFlags()
	if err != nil {
		return err
	}
	fanout := b.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	var (
		done  atomic.Int64
		mu    sync.Mutex
		start = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, j := range jobs {
		g.Go(func() error {
			j.ID, j.Err = b.Submit(gctx, j.Spec, opts.Urgency, flags)
			if j.Err != nil {
				b.logger().WithError(j.Err).WithField("seq", j.Seq).Debug("submit failed")
			} else {
				metrics.Default.Inc("bulk.submitted")
			}
			n := done.Add(1)
			if b.Progress != nil {
				mu.Lock()
				b.progress(int(n), len(jobs), start)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if b.Progress != nil {
		fmt.Fprintln(b.Progress)
	}
	var errs []error
	for _, j := range jobs {
		if j.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", shellquote.Join(j.Argv...), j.Err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bulk) progress(done, total int, start time.Time) {
	rate := float64(done) / max(time.Since(start).Seconds(), 1e-3)
	fmt.Fprintf(b.Progress, "\rbulksubmit: %s/%s jobs submitted (%s job/s)",
		humanize.Comma(int64(done)), humanize.Comma(int64(total)), humanize.FormatFloat("#,###.#", rate))
}
