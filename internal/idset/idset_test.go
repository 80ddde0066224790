// SPDX-License-Identifier: AGPL-3.0-or-later

package idset

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Set
	}{
		{"", Set{}},
		{"0", Set{0}},
		{"0-3", Set{0, 1, 2, 3}},
		{"7,0-2,1", Set{0, 1, 2, 7}},
		{"[3-4]", Set{3, 4}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("Parse(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"a", "3-1", "1,,2", "-1", "1-"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	s, err := Parse("9,0-3,5,10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := s.String(); got != "0-3,5,9-10" {
		t.Fatalf("String() = %q", got)
	}
	if !s.Contains(10) || s.Contains(4) || s.Count() != 7 {
		t.Fatalf("membership wrong for %v", s)
	}
}
