// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func TestApplyEnvRules(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/env", []byte("# comment\nFROMFILE=1\n-SECRET_*\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	current := map[string]string{"HOME": "/home/u", "PATH": "/bin", "SECRET_A": "x", "SECRET_B": "y", "LANG": "C"}
	cases := []struct {
		name  string
		base  map[string]string
		rules []string
		want  map[string]string
	}{
		{"none", current, []string{"NONE"}, map[string]string{}},
		{"none then pass", current, []string{"NONE", "HOME", "MISSING"}, map[string]string{"HOME": "/home/u"}},
		{"remove glob", current, []string{"-SECRET_*"}, map[string]string{"HOME": "/home/u", "PATH": "/bin", "LANG": "C"}},
		{"expand", map[string]string{}, []string{"A=1", "B=${A}2", "P=$PATH:/x"}, map[string]string{"A": "1", "B": "12", "P": "/bin:/x"}},
		{"glob copy", map[string]string{}, []string{"SECRET_*"}, map[string]string{"SECRET_A": "x", "SECRET_B": "y"}},
		{"file", current, []string{"@/env"}, map[string]string{"HOME": "/home/u", "PATH": "/bin", "LANG": "C", "FROMFILE": "1"}},
		{"all", map[string]string{}, []string{"ALL", "-LANG"}, map[string]string{"HOME": "/home/u", "PATH": "/bin", "SECRET_A": "x", "SECRET_B": "y"}},
	}
	for _, tc := range cases {
		got, err := ApplyEnvRules(fs, tc.base, current, tc.rules)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
	if _, err := ApplyEnvRules(fs, nil, current, []string{"@/missing"}); err == nil {
		t.Fatalf("missing env file accepted")
	}
}

func TestEnvironCopyOnWrite(t *testing.T) {
	t.Parallel()
	shared := map[string]string{"A": "1"}
	env := NewEnviron(shared)
	env.Set("B", "2")
	env.Unset("A")
	if _, ok := shared["B"]; ok {
		t.Fatalf("write leaked into shared map")
	}
	if shared["A"] != "1" {
		t.Fatalf("unset leaked into shared map")
	}
	if diff := cmp.Diff([]string{"B=2"}, env.List()); diff != "" {
		t.Fatalf("List (-want +got):\n%s", diff)
	}

	js, err := FromCommand([]string{"true"}, CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := js.SetEnvironment(map[string]string{"X": "1"}); err != nil {
		t.Fatal(err)
	}
	view := js.Environment()
	view.Set("Y", "2")
	if _, ok := js.Environment().Get("Y"); ok {
		t.Fatalf("environment view wrote through")
	}
}
