// SPDX-License-Identifier: AGPL-3.0-or-later
package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevelFromVerbosity(t *testing.T) {
	t.Parallel()
	want := []logrus.Level{logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel, logrus.TraceLevel}
	for v, lvl := range want {
		if got := LevelFromVerbosity(v); got != lvl {
			t.Fatalf("LevelFromVerbosity(%d) = %v, want %v", v, got, lvl)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	t.Setenv(EnvLevel, "")
	var buf bytes.Buffer
	l, err := Setup(Options{Verbose: 1, Format: FormatJSON, Out: &buf})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { l.SetLevel(logrus.InfoLevel) })
	Component("submit").Debug("hidden")
	Component("submit").WithField("jobid", "ƒ2").Info("submitted")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	if entry["component"] != "submit" || entry["jobid"] != "ƒ2" || entry["msg"] != "submitted" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestSetupEnvOverride(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	l, err := Setup(Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", l.GetLevel())
	}
	t.Setenv(EnvLevel, "loud")
	if _, err := Setup(Options{Out: &bytes.Buffer{}}); err == nil {
		t.Fatalf("expected error for invalid %s", EnvLevel)
	}
	t.Setenv(EnvLevel, "")
	if _, err := Setup(Options{Format: "xml", Out: &bytes.Buffer{}}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	cases := []struct {
		mode string
		want bool
	}{
		{ColorAlways, true},
		{ColorNever, false},
		{ColorAuto, false},
	}
	for _, tc := range cases {
		got, err := ColorEnabled(tc.mode, &buf)
		if err != nil || got != tc.want {
			t.Fatalf("ColorEnabled(%q) = %v, %v", tc.mode, got, err)
		}
	}
	if _, err := ColorEnabled("sometimes", &buf); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
}
