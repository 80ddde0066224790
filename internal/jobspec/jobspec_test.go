// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func mustCommand(t *testing.T, opts CommandOptions) *Jobspec {
	t.Helper()
	js, err := FromCommand([]string{"hostname"}, opts)
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	return js
}

func roundTrip(t *testing.T, js *Jobspec) {
	t.Helper()
	data, err := js.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(js, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	again, err := back.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(again) != string(data) {
		t.Fatalf("encoding not stable:\n%s\n%s", data, again)
	}
}

func TestFromCommandShapes(t *testing.T) {
	t.Parallel()
	js := mustCommand(t, CommandOptions{NumTasks: 4, CoresPerTask: 2, GpusPerTask: 1})
	want := []Resource{{
		Type: "slot", Label: "task", Count: Fixed(4),
		With: []Resource{{Type: "core", Count: Fixed(2)}, {Type: "gpu", Count: Fixed(1)}},
	}}
	if diff := cmp.Diff(want, js.Resources); diff != "" {
		t.Fatalf("resources (-want +got):\n%s", diff)
	}
	if js.Tasks[0].Count != (TaskCount{PerSlot: 1}) || js.Tasks[0].Slot != "task" {
		t.Fatalf("unexpected task %+v", js.Tasks[0])
	}
	if err := js.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	roundTrip(t, js)
}

func TestFromCommandNodes(t *testing.T) {
	t.Parallel()
	even := mustCommand(t, CommandOptions{NumTasks: 4, CoresPerTask: 1, NumNodes: 2, Exclusive: true})
	node := even.Resources[0]
	if node.Type != "node" || node.Count.N != 2 || !node.Exclusive {
		t.Fatalf("unexpected node %+v", node)
	}
	if slot := node.With[0]; !slot.IsSlot() || slot.Count.N != 2 {
		t.Fatalf("unexpected slot %+v", slot)
	}
	if even.Tasks[0].Count.PerSlot != 1 {
		t.Fatalf("even split should use per_slot, got %+v", even.Tasks[0].Count)
	}

	uneven := mustCommand(t, CommandOptions{NumTasks: 5, CoresPerTask: 1, NumNodes: 2})
	if uneven.Resources[0].With[0].Count.N != 3 || uneven.Tasks[0].Count.Total != 5 {
		t.Fatalf("uneven split wrong: %+v %+v", uneven.Resources[0].With[0], uneven.Tasks[0].Count)
	}
	if err := uneven.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromCommandRejects(t *testing.T) {
	t.Parallel()
	cases := []CommandOptions{
		{NumTasks: 0, CoresPerTask: 1},
		{NumTasks: 1, CoresPerTask: 0},
		{NumTasks: 1, CoresPerTask: 1, NumNodes: 2},
		{NumTasks: 1, CoresPerTask: 1, GpusPerTask: -1},
	}
	for _, opts := range cases {
		if _, err := FromCommand([]string{"true"}, opts); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("FromCommand(%+v) err = %v, want ErrInvalidArgument", opts, err)
		}
	}
	if _, err := FromCommand(nil, CommandOptions{NumTasks: 1, CoresPerTask: 1}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty command err = %v", err)
	}
}

func TestFromBatch(t *testing.T) {
	t.Parallel()
	script := "#!/bin/sh\necho hi\n"
	js, err := FromBatch(script, []string{"a1"}, NestOptions{NumNodes: 2, CoresPerSlot: 4})
	if err != nil {
		t.Fatalf("FromBatch: %v", err)
	}
	wantCmd := []string{"flux", "broker", "--bootstrap=job", "{{tmpdir}}/batch", "a1"}
	if diff := cmp.Diff(wantCmd, js.Command()); diff != "" {
		t.Fatalf("command (-want +got):\n%s", diff)
	}
	node := js.Resources[0]
	if node.Type != "node" || node.Count.N != 2 || !node.Exclusive {
		t.Fatalf("unexpected node %+v", node)
	}
	if core := node.With[0].With[0]; core.Type != "core" || core.Count.N != 4 {
		t.Fatalf("unexpected core %+v", core)
	}
	files, err := js.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	batch := files["batch"]
	if batch.Encoding != EncodingUTF8 || batch.Perm() != 0o700 || batch.Data != script {
		t.Fatalf("unexpected batch file %+v", batch)
	}
	if err := js.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	roundTrip(t, js)
}

func TestFromNestConf(t *testing.T) {
	t.Parallel()
	js, err := FromNest(nil, NestOptions{NumSlots: 2, CoresPerSlot: 1, Conf: map[string]any{"tbon": map[string]any{"fanout": 2}}})
	if err != nil {
		t.Fatalf("FromNest: %v", err)
	}
	v, ok := js.GetAttribute("system.conf.tbon.fanout")
	if !ok || v != float64(2) {
		t.Fatalf("conf not merged: %v %v", v, ok)
	}
	if js.Tasks[0].Count.Total != 1 || js.Resources[0].Count.N != 2 {
		t.Fatalf("unexpected shape %+v %+v", js.Tasks[0], js.Resources[0])
	}
	if err := js.MergeAttribute("system.conf", map[string]any{"tbon": map[string]any{"topo": "kary:2"}}); err != nil {
		t.Fatalf("MergeAttribute: %v", err)
	}
	if v, _ := js.GetAttribute("system.conf.tbon.fanout"); v != float64(2) {
		t.Fatalf("merge dropped existing key")
	}
}

func TestSetAttributeKeys(t *testing.T) {
	t.Parallel()
	js := mustCommand(t, CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err := js.SetAttribute("user.data", "x"); err != nil {
		t.Fatalf("user.data: %v", err)
	}
	if err := js.SetAttribute("job.name", "J"); err != nil {
		t.Fatalf("job.name: %v", err)
	}
	if err := js.SetAttribute("attributes.system.queue", "batch"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := js.SetShellOption("output.stdout.label", true); err != nil {
		t.Fatalf("shell option: %v", err)
	}
	if v, _ := js.GetAttribute("attributes.user.data"); v != "x" {
		t.Fatalf("user.data = %v", v)
	}
	if js.JobName() != "J" || js.Queue() != "batch" {
		t.Fatalf("name/queue = %q/%q", js.JobName(), js.Queue())
	}
	if v, _ := js.GetAttribute("system.shell.options.output.stdout.label"); v != true {
		t.Fatalf("shell option = %v", v)
	}
	if err := js.SetAttribute("resources.0.count", 3); err != nil {
		t.Fatalf("resources.0.count: %v", err)
	}
	if js.Resources[0].Count.N != 3 {
		t.Fatalf("resource count not updated: %+v", js.Resources[0])
	}
	if err := js.SetAttribute("bogus", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown system attribute err = %v", err)
	}
	if err := js.SetShellOption("nope", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown shell option err = %v", err)
	}
	roundTrip(t, js)
}

func TestSetAttributeTypeMismatch(t *testing.T) {
	t.Parallel()
	js := mustCommand(t, CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err := js.SetAttribute("user.a", 1); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	if err := js.SetAttribute("user.a.b", 2); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("err = %v, want ErrTypeMismatch", err)
	}
	if err := js.SetAttribute("user.a", 1); err != nil {
		t.Fatalf("idempotent set: %v", err)
	}
}

func TestSetDuration(t *testing.T) {
	t.Parallel()
	js := mustCommand(t, CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err := js.SetDuration("+10s"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("relative on unlimited err = %v", err)
	}
	if err := js.SetDuration("1h"); err != nil {
		t.Fatalf("SetDuration: %v", err)
	}
	if err := js.SetDuration("+30m"); err != nil {
		t.Fatalf("SetDuration relative: %v", err)
	}
	if js.Duration() != 5400 {
		t.Fatalf("duration = %v", js.Duration())
	}
	if err := js.SetDuration("inf"); err != nil || js.Duration() != 0 {
		t.Fatalf("inf: %v %v", err, js.Duration())
	}
	if err := js.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAddFile(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/in/conf.json", []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/in/blob", []byte{0xff, 0x00, 0xfe}, 0o640); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/in/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	js := mustCommand(t, CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err := js.AddFileFrom(fs, "conf.json", FileSource{Path: "/in/conf.json"}, 0, ""); err != nil {
		t.Fatalf("json: %v", err)
	}
	if err := js.AddFileFrom(fs, "blob", FileSource{Path: "/in/blob"}, 0, ""); err != nil {
		t.Fatalf("blob: %v", err)
	}
	if err := js.AddFileFrom(fs, "note", FileSource{Data: "a\nb\n", Inline: true}, 0, ""); err != nil {
		t.Fatalf("inline: %v", err)
	}
	if err := js.AddFileFrom(fs, "dir", FileSource{Path: "/in/dir"}, 0, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("directory err = %v", err)
	}
	if err := js.AddFileFrom(fs, "note", FileSource{Data: "x\n", Inline: true}, 0, ""); err == nil {
		t.Fatalf("duplicate file accepted")
	}
	files, err := js.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if files["conf.json"].Encoding != "" {
		t.Fatalf("json file should embed an object: %+v", files["conf.json"])
	}
	blob := files["blob"]
	if blob.Encoding != EncodingBase64 || blob.Size != 3 || blob.Perm() != 0o640 {
		t.Fatalf("unexpected blob %+v", blob)
	}
	data, err := blob.Contents()
	if err != nil || string(data) != "\xff\x00\xfe" {
		t.Fatalf("Contents = %q, %v", data, err)
	}
	if files["note"].Perm() != 0o600 {
		t.Fatalf("inline perms = %o", files["note"].Perm())
	}
	if err := js.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	roundTrip(t, js)
}

func TestParseFileArg(t *testing.T) {
	t.Parallel()
	name, src, err := ParseFileArg("/etc/hosts")
	if err != nil || name != "hosts" || src.Path != "/etc/hosts" {
		t.Fatalf("ParseFileArg path: %q %+v %v", name, src, err)
	}
	name, src, err = ParseFileArg("x=line1\nline2")
	if err != nil || name != "x" || !src.Inline {
		t.Fatalf("ParseFileArg inline: %q %+v %v", name, src, err)
	}
	if _, _, err := ParseFileArg("a\nb"); err == nil {
		t.Fatalf("inline data without name accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"version":      `{"version":2,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{}}`,
		"no slot":      `{"version":1,"resources":[{"type":"core","count":1}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{}}`,
		"bad label":    `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"u","count":{"per_slot":1}}],"attributes":{}}`,
		"zero count":   `{"version":1,"resources":[{"type":"slot","label":"t","count":0,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{}}`,
		"both counts":  `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1,"total":2}}],"attributes":{}}`,
		"neg duration": `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{"system":{"duration":-1}}}`,
		"bad base64":   `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{"system":{"files":{"f":{"mode":420,"encoding":"base64","data":"AAAA","size":5}}}}}`,
		"zero size":    `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{"system":{"files":{"f":{"mode":420,"encoding":"base64","data":"aGVsbG8=","size":0}}}}}`,
		"constraints":  `{"version":1,"resources":[{"type":"slot","label":"t","count":1,"with":[{"type":"core","count":1}]}],"tasks":[{"command":["x"],"slot":"t","count":{"per_slot":1}}],"attributes":{"system":{"constraints":{"xor":[]}}}}`,
	}
	for name, doc := range cases {
		js, err := Decode([]byte(doc))
		if err != nil {
			t.Fatalf("%s: Decode: %v", name, err)
		}
		if err := js.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: Validate err = %v, want ErrInvalid", name, err)
		}
	}
	if _, err := Decode([]byte(`{"version":1,"bogus":1}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown key accepted: %v", err)
	}
}

func TestCountRanges(t *testing.T) {
	t.Parallel()
	var r Resource
	if err := json.Unmarshal([]byte(`{"type":"node","count":"4+"}`), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !r.Count.IsRange() || r.Count.Min() != 4 {
		t.Fatalf("unexpected count %+v", r.Count)
	}
	out, _ := json.Marshal(r.Count)
	if string(out) != `"4+"` {
		t.Fatalf("Marshal = %s", out)
	}
	for _, bad := range []string{`"x"`, `"4-"`, `1.5`} {
		var c Count
		if err := json.Unmarshal([]byte(bad), &c); err == nil {
			t.Fatalf("count %s accepted", bad)
		}
	}
}
