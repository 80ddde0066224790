// SPDX-License-Identifier: AGPL-3.0-or-later

package jobid

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	values := []uint64{0, 1, 57, 58, 1234, 0xdeadbeef, 1 << 40, 0x7fffffffffffffff, ^uint64(0) - 1, ^uint64(0)}
	for _, v := range values {
		for _, enc := range Encodings {
			s := ID(v).Encode(enc)
			got, err := Parse(s)
			if err != nil {
				t.Fatalf("Parse(%q) [%s of %d]: %v", s, enc, v, err)
			}
			if uint64(got) != v {
				t.Fatalf("Parse(%q) = %d, want %d (%s)", s, got, v, enc)
			}
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	t.Parallel()
	id := ID(1234)
	cases := map[Encoding]string{
		Dec:    "1234",
		Hex:    "0x4d2",
		DotHex: "0000.0000.0000.04d2",
		KVS:    "job.0000.0000.0000.04d2",
		F58:    "ƒNH",
	}
	for enc, want := range cases {
		if got := id.Encode(enc); got != want {
			t.Fatalf("Encode(%s) = %q, want %q", enc, got, want)
		}
	}
	if got := ID(0).Encode(Words); got != "acid-acid--acid-acid--acid-acid--acid-acid" {
		t.Fatalf("Encode(words) of 0 = %q", got)
	}
}

func TestParseASCIIf58Prefix(t *testing.T) {
	t.Parallel()
	got, err := Parse("fNH")
	if err != nil || got != 1234 {
		t.Fatalf("Parse(fNH) = %d, %v", got, err)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "xyz", "0xzz", "ƒ0", "1.2.3.4", "job.1", "acid-acid", "99999999999999999999"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalid", s, err)
		}
	}
}

func TestJobIDPreservesOriginal(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"1234", "0x4d2", "ƒNH", "fNH", "job.0000.0000.0000.04d2"} {
		j, err := New(s)
		if err != nil {
			t.Fatalf("New(%q): %v", s, err)
		}
		if j.String() != s || j.ID != 1234 {
			t.Fatalf("New(%q) = %q/%d", s, j.String(), j.ID)
		}
	}
	if got := FromID(1234).String(); got != "ƒNH" {
		t.Fatalf("FromID(1234).String() = %q", got)
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":"ƒNH"}`), &v); err != nil || v.ID != 1234 {
		t.Fatalf("unmarshal string id: %v %d", err, v.ID)
	}
	if err := json.Unmarshal([]byte(`{"id":-1}`), &v); err != nil || v.ID != Any {
		t.Fatalf("unmarshal -1: %v %d", err, v.ID)
	}
	out, err := json.Marshal(struct {
		ID ID `json:"id"`
	}{ID: 1234})
	if err != nil || string(out) != `{"id":1234}` {
		t.Fatalf("marshal: %s %v", out, err)
	}
}

func TestGeneratorMonotonic(t *testing.T) {
	t.Parallel()
	epoch := time.Unix(1700000000, 0)
	g, err := NewGenerator(3, epoch)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	now := epoch.Add(5 * time.Second)
	g.now = func() time.Time { return now }
	g.sleep = func(d time.Duration) { now = now.Add(d) }

	var prev ID
	for i := 0; i < 3000; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if i > 0 && id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
	if ts := Timestamp(prev, epoch); ts.Before(epoch.Add(5 * time.Second)) {
		t.Fatalf("timestamp %v before start", ts)
	}
	if _, err := NewGenerator(maxGenID+1, epoch); err == nil {
		t.Fatalf("expected out of range generator id error")
	}
}
