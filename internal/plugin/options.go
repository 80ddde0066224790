// SPDX-License-Identifier: AGPL-3.0-or-later
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ErrOptionConflict is reported when two plugins claim one destination.
var ErrOptionConflict = errors.New("plugin: option conflict")

// Options collects plugin-contributed flags on one FlagSet. Long names are
// rewritten to --PREFIX-NAME when a prefix is configured; destinations are
// the unprefixed names and must be unique across plugins.
type Options struct {
	fs     *pflag.FlagSet
	owners map[string]string
	flags  map[string]string
	errs   []error
}

// NewOptions wraps fs.
func NewOptions(fs *pflag.FlagSet) *Options {
	return &Options{fs: fs, owners: map[string]string{}, flags: map[string]string{}}
}

// Scope is the view of Options handed to one plugin.
type Scope struct {
	o      *Options
	owner  string
	prefix string
}

// Scope returns the registration scope for a plugin.
func (o *Options) Scope(owner, prefix string) *Scope {
	return &Scope{o: o, owner: owner, prefix: strings.Trim(prefix, "-")}
}

// Err reports every conflict detected so far.
func (o *Options) Err() error {
	return errors.Join(o.errs...)
}

// FlagName returns the long flag registered for a destination.
func (o *Options) FlagName(dest string) (string, bool) {
	name, ok := o.flags[dest]
	return name, ok
}

// Destinations lists registered destinations with their owning plugin.
func (o *Options) Destinations() []string {
	out := make([]string, 0, len(o.owners))
	for dest, owner := range o.owners {
		out = append(out, owner+":"+dest)
	}
	sort.Strings(out)
	return out
}

// claim reserves dest for the scope owner and returns the flag name, or
// "" on conflict.
func (s *Scope) claim(name string) string {
	dest := strings.ReplaceAll(strings.TrimLeft(name, "-"), "-", "_")
	if owner, ok := s.o.owners[dest]; ok {
		s.o.errs = append(s.o.errs, fmt.Errorf("%w: %s and %s both define %q", ErrOptionConflict, owner, s.owner, dest))
		return ""
	}
	flag := strings.TrimLeft(name, "-")
	if s.prefix != "" {
		flag = s.prefix + "-" + flag
	}
	if s.o.fs.Lookup(flag) != nil {
		s.o.errs = append(s.o.errs, fmt.Errorf("%w: %s option --%s shadows an existing option", ErrOptionConflict, s.owner, flag))
		return ""
	}
	s.o.owners[dest] = s.owner
	s.o.flags[dest] = flag
	return flag
}

// String registers a string option.
func (s *Scope) String(name, def, usage string) *string {
	v := new(string)
	*v = def
	if flag := s.claim(name); flag != "" {
		s.o.fs.StringVar(v, flag, def, usage)
	}
	return v
}

// Bool registers a boolean option.
func (s *Scope) Bool(name string, def bool, usage string) *bool {
	v := new(bool)
	*v = def
	if flag := s.claim(name); flag != "" {
		s.o.fs.BoolVar(v, flag, def, usage)
	}
	return v
}

// Int registers an integer option.
func (s *Scope) Int(name string, def int, usage string) *int {
	v := new(int)
	*v = def
	if flag := s.claim(name); flag != "" {
		s.o.fs.IntVar(v, flag, def, usage)
	}
	return v
}

// StringArray registers a repeatable string option.
func (s *Scope) StringArray(name string, def []string, usage string) *[]string {
	v := new([]string)
	*v = def
	if flag := s.claim(name); flag != "" {
		s.o.fs.StringArrayVar(v, flag, def, usage)
	}
	return v
}

// Duration registers a duration option.
func (s *Scope) Duration(name string, def time.Duration, usage string) *time.Duration {
	v := new(time.Duration)
	*v = def
	if flag := s.claim(name); flag != "" {
		s.o.fs.DurationVar(v, flag, def, usage)
	}
	return v
}

// Changed reports whether the option for dest was set on the command line.
func (s *Scope) Changed(name string) bool {
	dest := strings.ReplaceAll(strings.TrimLeft(name, "-"), "-", "_")
	flag, ok := s.o.flags[dest]
	if !ok || s.o.owners[dest] != s.owner {
		return false
	}
	return s.o.fs.Changed(flag)
}
