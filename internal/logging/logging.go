// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide logrus logger and the
// terminal color policy shared by all commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// EnvLevel overrides the verbosity-derived level when set.
const EnvLevel = "FLUX_LOG_LEVEL"

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Options controls Setup.
type Options struct {
	// Verbose is the -v count: 0 warn, 1 info, 2 debug, 3+ trace.
	Verbose int
	Format  string
	Color   string
	Out     io.Writer
}

// LevelFromVerbosity maps a -v count to a level.
func LevelFromVerbosity(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.WarnLevel
	case v == 1:
		return logrus.InfoLevel
	case v == 2:
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}

// Setup configures logrus.StandardLogger and returns it.
func Setup(opts Options) (*logrus.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level := LevelFromVerbosity(opts.Verbose)
	if env := strings.TrimSpace(os.Getenv(EnvLevel)); env != "" {
		lvl, err := logrus.ParseLevel(env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvLevel, err)
		}
		level = lvl
	}
	colorize, err := ColorEnabled(opts.Color, out)
	if err != nil {
		return nil, err
	}

	var formatter logrus.Formatter
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		formatter = &logrus.TextFormatter{
			DisableColors:   !colorize,
			ForceColors:     colorize,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	case FormatJSON:
		formatter = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	l := logrus.StandardLogger()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(formatter)
	color.NoColor = !colorize
	return l, nil
}

// ColorEnabled decides whether output written to w is colorized. Auto
// colors terminals unless NO_COLOR is set.
func ColorEnabled(mode string, w io.Writer) (bool, error) {
	switch strings.ToLower(mode) {
	case "", ColorAuto:
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			return false, nil
		}
		return IsTerminal(w), nil
	case ColorAlways:
		return true, nil
	case ColorNever:
		return false, nil
	}
	return false, fmt.Errorf("invalid color mode %q (want auto, always or never)", mode)
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Component returns the standard logger tagged with a component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
