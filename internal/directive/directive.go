// SPDX-License-Identifier: AGPL-3.0-or-later

// Package directive extracts embedded submission directives from batch
// scripts. A directive is a line carrying a sentinel tag (default
// "flux:"), optionally behind a comment marker:
//
//	#!/bin/sh
//	# flux: -N4 -q batch
//	# flux: --setattr=user.data='''
//	# flux: line one
//	# flux: '''
//
// Directives are recognized until the first line that is neither blank
// nor a comment.
package directive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/afero"
)

// DefaultTag is the sentinel recognized when no tag is configured.
const DefaultTag = "flux:"

// Action classifies a directive line.
type Action int

const (
	// SetArgs carries command line arguments.
	SetArgs Action = iota
	// Include names another file whose directives are read in place.
	Include
	// SetScript carries the script body following the directives.
	SetScript
)

func (a Action) String() string {
	switch a {
	case SetArgs:
		return "SETARGS"
	case Include:
		return "INCLUDE"
	case SetScript:
		return "SETSCRIPT"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Directive is one parsed directive.
type Directive struct {
	Action Action
	Args   []string
	Line   int
}

// Error reports a malformed directive.
type Error struct {
	Line int
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Text, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrUnterminated is returned when a quoted block is not closed.
	ErrUnterminated = errors.New("unterminated quoted directive")
	// ErrUnknown is returned for directives that are neither options nor known keywords.
	ErrUnknown = errors.New("unknown directive")
	// ErrSyntax is returned when directive text cannot be tokenized.
	ErrSyntax = errors.New("invalid directive syntax")
)

// Options configures Parse.
type Options struct {
	Tag string
}

var commentPattern = regexp.MustCompile(`^\s*(#|//|--|;|%|!|REM\b)`)

type quoteState struct {
	open   string
	prefix []string
	join   bool
	start  int
	text   string
	buf    strings.Builder
}

// Parse reads a script from r and returns its directives in order. The
// final element is always a SetScript directive holding the text that
// follows the directive section.
func Parse(r io.Reader, opts Options) ([]Directive, error) {
	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag
	}
	linePattern := regexp.MustCompile(`^\s*(?:#|//|--|;|%|!)?\s*` + regexp.QuoteMeta(tag) + `\s?(.*)$`)

	var (
		out    []Directive
		quoted *quoteState
		body   strings.Builder
		inBody bool
		lineno int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if inBody {
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		m := linePattern.FindStringSubmatch(line)
		if quoted != nil {
			if m == nil {
				return nil, &Error{Line: lineno, Text: line, Err: ErrUnterminated}
			}
			arg := strings.TrimRight(m[1], " \t")
			if strings.TrimSpace(arg) == quoted.open {
				out = append(out, quoted.finish())
				quoted = nil
				continue
			}
			quoted.buf.WriteString(m[1])
			quoted.buf.WriteByte('\n')
			continue
		}
		if m == nil {
			if lineno == 1 && strings.HasPrefix(line, "#!") {
				continue
			}
			if strings.TrimSpace(line) == "" || commentPattern.MatchString(line) {
				continue
			}
			inBody = true
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		arg := strings.TrimSpace(m[1])
		d, q, err := classify(arg, lineno)
		if err != nil {
			return nil, &Error{Line: lineno, Text: line, Err: err}
		}
		if q != nil {
			q.text = line
			quoted = q
			continue
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	if quoted != nil {
		return nil, &Error{Line: quoted.start, Text: quoted.text, Err: ErrUnterminated}
	}
	out = append(out, Directive{Action: SetScript, Args: []string{body.String()}, Line: lineno})
	return out, nil
}

func classify(arg string, lineno int) (*Directive, *quoteState, error) {
	switch arg {
	case "":
		return nil, nil, nil
	case `'''`, `"""`, `'`, `"`:
		return nil, &quoteState{open: arg, start: lineno}, nil
	}
	if strings.HasPrefix(arg, "-") {
		for _, q := range []string{`'''`, `"""`} {
			if strings.HasSuffix(arg, q) && strings.Count(arg, q)%2 == 1 {
				head := strings.TrimSuffix(arg, q)
				prefix, err := shellquote.Split(head)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
				}
				join := head != "" && !strings.HasSuffix(head, " ") && !strings.HasSuffix(head, "\t")
				return nil, &quoteState{open: q, prefix: prefix, join: join && len(prefix) > 0, start: lineno}, nil
			}
		}
		args, err := shellquote.Split(arg)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return &Directive{Action: SetArgs, Args: args, Line: lineno}, nil, nil
	}
	keyword, rest, _ := strings.Cut(arg, " ")
	switch strings.ToLower(keyword) {
	case "include":
		args, err := shellquote.Split(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("%w: include takes one file", ErrSyntax)
		}
		return &Directive{Action: Include, Args: args, Line: lineno}, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknown, keyword)
	}
}

func (q *quoteState) finish() Directive {
	text := q.buf.String()
	args := append([]string(nil), q.prefix...)
	if q.join {
		args[len(args)-1] += text
	} else {
		args = append(args, text)
	}
	return Directive{Action: SetArgs, Args: args, Line: q.start}
}

const maxIncludeDepth = 8

// ParseFile parses the script at path and expands Include directives
// relative to the including file. The returned list ends with the
// SetScript directive of the top-level file.
func ParseFile(fs afero.Fs, path string, opts Options) ([]Directive, error) {
	return parseFile(fs, path, opts, 0)
}

func parseFile(fs afero.Fs, path string, opts Options, depth int) ([]Directive, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("%s: include nesting exceeds %d", path, maxIncludeDepth)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	dirs, err := Parse(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var out []Directive
	for _, d := range dirs {
		if d.Action != Include {
			out = append(out, d)
			continue
		}
		target := d.Args[0]
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		included, err := parseFile(fs, target, opts, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, ArgGroups(included)...)
	}
	return out, nil
}

// ArgGroups returns the SetArgs directives of dirs.
func ArgGroups(dirs []Directive) []Directive {
	var out []Directive
	for _, d := range dirs {
		if d.Action == SetArgs {
			out = append(out, d)
		}
	}
	return out
}

// Argv flattens the SetArgs directives into one argument list in order.
func Argv(dirs []Directive) []string {
	var out []string
	for _, d := range ArgGroups(dirs) {
		out = append(out, d.Args...)
	}
	return out
}
