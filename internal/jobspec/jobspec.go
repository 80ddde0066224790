// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobspec models version 1 jobspecs: the resource shape, task
// layout and attributes of a job, with builders for the command, batch
// and nested-instance forms.
package jobspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Version is the only jobspec version this package produces or accepts.
const Version = 1

var (
	// ErrInvalidArgument is returned for out-of-range builder arguments.
	ErrInvalidArgument = errors.New("jobspec: invalid argument")
	// ErrTypeMismatch is returned when a dotted path crosses a non-mapping value.
	ErrTypeMismatch = errors.New("jobspec: type mismatch")
	// ErrInvalid is returned when a document fails structural validation.
	ErrInvalid = errors.New("jobspec: invalid jobspec")
)

// Count is a resource count: a positive integer, or a range expression
// such as "3-30", "4+" or "4,9,16,25".
type Count struct {
	N     int
	Range string
}

var rangePattern = regexp.MustCompile(`^(\d+|\d+-\d+|\d+\+|\d+(,\d+)+)$`)

// Fixed returns a Count of exactly n.
func Fixed(n int) Count {
	return Count{N: n}
}

// IsRange reports whether the count is a range expression.
func (c Count) IsRange() bool {
	return c.Range != ""
}

// Min returns the smallest value the count admits.
func (c Count) Min() int {
	if c.Range == "" {
		return c.N
	}
	digits := 0
	for digits < len(c.Range) && c.Range[digits] >= '0' && c.Range[digits] <= '9' {
		digits++
	}
	n, _ := strconv.Atoi(c.Range[:digits])
	return n
}

// MarshalJSON encodes integers as numbers and ranges as strings.
func (c Count) MarshalJSON() ([]byte, error) {
	if c.Range != "" {
		return json.Marshal(c.Range)
	}
	return json.Marshal(c.N)
}

// UnmarshalJSON accepts a JSON integer or range string.
func (c *Count) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if !rangePattern.MatchString(s) {
			return fmt.Errorf("%w: count %q", ErrInvalid, s)
		}
		*c = Count{Range: s}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: count %s", ErrInvalid, data)
	}
	*c = Count{N: n}
	return nil
}

// Resource is a node of the resources tree. A node with Type "slot" is
// a slot and carries a Label.
type Resource struct {
	Type      string     `json:"type"`
	Count     Count      `json:"count"`
	Unit      string     `json:"unit,omitempty"`
	Exclusive bool       `json:"exclusive,omitempty"`
	Label     string     `json:"label,omitempty"`
	With      []Resource `json:"with,omitempty"`
}

// IsSlot reports whether r is a slot.
func (r Resource) IsSlot() bool {
	return r.Type == "slot"
}

// TaskCount holds exactly one of PerSlot or Total.
type TaskCount struct {
	PerSlot int `json:"per_slot,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Task maps a command onto a slot.
type Task struct {
	Command []string  `json:"command"`
	Slot    string    `json:"slot"`
	Count   TaskCount `json:"count"`
}

// Jobspec is a version 1 jobspec document.
type Jobspec struct {
	Resources  []Resource     `json:"resources"`
	Tasks      []Task         `json:"tasks"`
	Attributes map[string]any `json:"attributes"`
	Version    int            `json:"version"`
}

// New returns an empty version 1 jobspec with the given resources and tasks.
func New(resources []Resource, tasks []Task) *Jobspec {
	return &Jobspec{
		Resources: resources,
		Tasks:     tasks,
		Attributes: map[string]any{
			"system": map[string]any{},
		},
		Version: Version,
	}
}

// Encode returns the canonical JSON form. Mapping keys are sorted, so
// encoding a decoded document reproduces the same bytes.
func (js *Jobspec) Encode() ([]byte, error) {
	if js == nil {
		return nil, fmt.Errorf("%w: nil jobspec", ErrInvalid)
	}
	return json.Marshal(js)
}

// Dumps returns the canonical JSON form as a string.
func (js *Jobspec) Dumps() (string, error) {
	data, err := js.Encode()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a JSON jobspec. Unknown top-level or resource keys are
// rejected. The result is not validated; see Validate.
func Decode(data []byte) (*Jobspec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var js Jobspec
	if err := dec.Decode(&js); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalid)
	}
	if js.Attributes == nil {
		js.Attributes = map[string]any{}
	}
	return &js, nil
}

// Clone returns a deep copy.
func (js *Jobspec) Clone() (*Jobspec, error) {
	data, err := js.Encode()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Command returns the command of the first task.
func (js *Jobspec) Command() []string {
	if js == nil || len(js.Tasks) == 0 {
		return nil
	}
	return append([]string(nil), js.Tasks[0].Command...)
}

// Count returns the minimum number of resources of type typ the jobspec
// requests, multiplying counts down the tree.
func (js *Jobspec) Count(typ string) int {
	if js == nil {
		return 0
	}
	return countResource(js.Resources, typ, 1)
}

func countResource(resources []Resource, typ string, mult int) int {
	total := 0
	for _, r := range resources {
		n := r.Count.Min() * mult
		if r.Type == typ {
			total += n
			continue
		}
		total += countResource(r.With, typ, n)
	}
	return total
}

// Ntasks returns the number of tasks of the first task entry: the total
// count, or per_slot times the number of slots.
func (js *Jobspec) Ntasks() int {
	if js == nil || len(js.Tasks) == 0 {
		return 0
	}
	c := js.Tasks[0].Count
	if c.Total > 0 {
		return c.Total
	}
	per := c.PerSlot
	if per <= 0 {
		per = 1
	}
	return per * js.Count("slot")
}
