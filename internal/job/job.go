// SPDX-License-Identifier: AGPL-3.0-or-later

// Package job holds the wire types of the job services and a thin client
// over them: ingest, job-manager, job-info and job-list.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

// Service topics.
const (
	TopicSubmit   = "job-ingest.submit"
	TopicRaise    = "job-manager.raise"
	TopicRaiseAll = "job-manager.raiseall"
	TopicWait     = "job-manager.wait"
	TopicUpdate   = "job-manager.update"
	TopicMemo     = "job-manager.memo"
	TopicLookup   = "job-info.lookup"
	TopicList     = "job-list.list"
	TopicListID   = "job-list.list-id"
)

// Submit flags.
const (
	FlagWaitable   = 1
	FlagDebug      = 2
	FlagPreSigned  = 4
	FlagNoValidate = 8
)

// OwnerFlags may only be set by the instance owner.
const OwnerFlags = FlagWaitable | FlagNoValidate

// Urgency bounds. Hold parks the job; expedite runs it first.
const (
	UrgencyMin      = 0
	UrgencyHold     = 0
	UrgencyDefault  = 16
	UrgencyGuestMax = 16
	UrgencyMax      = 31
	UrgencyExpedite = 31
)

// UserIDAny selects jobs of every user.
const UserIDAny = -1

var flagNames = map[string]int{
	"waitable":   FlagWaitable,
	"debug":      FlagDebug,
	"signed":     FlagPreSigned,
	"novalidate": FlagNoValidate,
}

// ParseFlags converts a comma-separated flag list to a bitmask.
func ParseFlags(s string) (int, error) {
	flags := 0
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown submit flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// State is a job state bit.
type State int

const (
	StateNew      State = 1
	StateDepend   State = 2
	StatePriority State = 4
	StateSched    State = 8
	StateRun      State = 16
	StateCleanup  State = 32
	StateInactive State = 64

	StatePending = StateDepend | StatePriority | StateSched
	StateRunning = StateRun | StateCleanup
	StateActive  = StateNew | StatePending | StateRunning
	StateAll     = StateActive | StateInactive
)

var stateNames = []struct {
	s    State
	name string
}{
	{StateNew, "NEW"},
	{StateDepend, "DEPEND"},
	{StatePriority, "PRIORITY"},
	{StateSched, "SCHED"},
	{StateRun, "RUN"},
	{StateCleanup, "CLEANUP"},
	{StateInactive, "INACTIVE"},
}

// String returns the name of a single state, or a |-joined list.
func (s State) String() string {
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Short returns the two-letter abbreviation used in listings.
func (s State) Short() string {
	switch s {
	case StateNew:
		return "N"
	case StateDepend:
		return "D"
	case StatePriority:
		return "P"
	case StateSched:
		return "S"
	case StateRun:
		return "R"
	case StateCleanup:
		return "C"
	case StateInactive:
		return "I"
	}
	return "?"
}

// ParseStates converts a comma-separated state list. Besides the state
// names it accepts pending, running, active, inactive and all.
func ParseStates(s string) (State, error) {
	var out State
	for _, name := range strings.Split(s, ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case "PENDING":
			out |= StatePending
		case "RUNNING":
			out |= StateRunning
		case "ACTIVE":
			out |= StateActive
		case "ALL":
			out |= StateAll
		default:
			found := false
			for _, n := range stateNames {
				if n.name == name {
					out |= n.s
					found = true
				}
			}
			if !found {
				return 0, fmt.Errorf("invalid job state %q", name)
			}
		}
	}
	return out, nil
}

// SubmitRequest is the job-ingest.submit payload.
type SubmitRequest struct {
	Jobspec json.RawMessage `json:"jobspec"`
	Urgency int             `json:"urgency"`
	Flags   int             `json:"flags"`
}

// SubmitResponse carries the assigned id.
type SubmitResponse struct {
	ID jobid.ID `json:"id"`
}

// Info is one job-list record.
type Info struct {
	ID         jobid.ID `json:"id"`
	UserID     int      `json:"userid"`
	Name       string   `json:"name"`
	Queue      string   `json:"queue,omitempty"`
	State      State    `json:"state"`
	Urgency    int      `json:"urgency"`
	Waitable   bool     `json:"waitable,omitempty"`
	TSubmit    float64  `json:"t_submit"`
	TRun       float64  `json:"t_run,omitempty"`
	TInactive  float64  `json:"t_inactive,omitempty"`
	Success    bool     `json:"success,omitempty"`
	Result     string   `json:"result,omitempty"`
	WaitStatus int      `json:"waitstatus,omitempty"`
	URI        string   `json:"uri,omitempty"`
}

// ListRequest filters job-list.list. Zero fields do not filter, except
// UserID where UserIDAny must be given to see every user.
type ListRequest struct {
	MaxEntries int    `json:"max_entries,omitempty"`
	UserID     int    `json:"userid"`
	Name       string `json:"name,omitempty"`
	States     State  `json:"states,omitempty"`
}

// ListResponse lists jobs most recent first.
type ListResponse struct {
	Jobs []Info `json:"jobs"`
}

// IDRequest addresses one job.
type IDRequest struct {
	ID jobid.ID `json:"id"`
}

// RaiseRequest is the job-manager.raise payload.
type RaiseRequest struct {
	ID       jobid.ID `json:"id"`
	Type     string   `json:"type"`
	Severity int      `json:"severity"`
	Note     string   `json:"note,omitempty"`
}

// RaiseAllRequest is the job-manager.raiseall payload.
type RaiseAllRequest struct {
	DryRun   bool   `json:"dry_run"`
	UserID   int    `json:"userid"`
	States   State  `json:"states"`
	Type     string `json:"type"`
	Severity int    `json:"severity"`
	Note     string `json:"note,omitempty"`
}

// RaiseAllResponse reports the number of matching jobs.
type RaiseAllResponse struct {
	Count int `json:"count"`
}

// WaitResponse reports how a waitable job ended.
type WaitResponse struct {
	ID      jobid.ID `json:"id"`
	Success bool     `json:"success"`
	Errstr  string   `json:"errstr,omitempty"`
}

// UpdateRequest is the job-manager.update payload.
type UpdateRequest struct {
	ID      jobid.ID       `json:"id"`
	Updates map[string]any `json:"updates"`
}

// MemoRequest is the job-manager.memo payload.
type MemoRequest struct {
	ID   jobid.ID       `json:"id"`
	Memo map[string]any `json:"memo"`
}

// LookupRequest is the job-info.lookup payload.
type LookupRequest struct {
	ID   jobid.ID `json:"id"`
	Keys []string `json:"keys"`
}

// Lister finds jobs.
type Lister interface {
	List(ctx context.Context, req ListRequest) ([]Info, error)
}

// Client issues job service RPCs over any Caller.
type Client struct {
	c broker.Caller
}

// NewClient wraps c.
func NewClient(c broker.Caller) *Client {
	return &Client{c: c}
}

// List queries job-list.list.
func (c *Client) List(ctx context.Context, req ListRequest) ([]Info, error) {
	var resp ListResponse
	if err := c.c.Call(ctx, TopicList, req, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ListID returns the record of one job.
func (c *Client) ListID(ctx context.Context, id jobid.ID) (Info, error) {
	var resp struct {
		Job Info `json:"job"`
	}
	if err := c.c.Call(ctx, TopicListID, IDRequest{ID: id}, &resp); err != nil {
		return Info{}, err
	}
	return resp.Job, nil
}

// Raise posts an exception on one job.
func (c *Client) Raise(ctx context.Context, req RaiseRequest) error {
	return c.c.Call(ctx, TopicRaise, req, nil)
}

// Cancel raises a severity 0 cancel exception.
func (c *Client) Cancel(ctx context.Context, id jobid.ID, note string) error {
	return c.Raise(ctx, RaiseRequest{ID: id, Type: "cancel", Severity: 0, Note: note})
}

// RaiseAll raises an exception on every matching job and returns how many
// matched. With DryRun nothing is raised.
func (c *Client) RaiseAll(ctx context.Context, req RaiseAllRequest) (int, error) {
	var resp RaiseAllResponse
	if err := c.c.Call(ctx, TopicRaiseAll, req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Wait blocks until a waitable job is inactive. jobid.Any waits for any.
func (c *Client) Wait(ctx context.Context, id jobid.ID) (WaitResponse, error) {
	var resp WaitResponse
	err := c.c.Call(ctx, TopicWait, IDRequest{ID: id}, &resp)
	return resp, err
}

// Update applies jobspec updates to a job.
func (c *Client) Update(ctx context.Context, id jobid.ID, updates map[string]any) error {
	return c.c.Call(ctx, TopicUpdate, UpdateRequest{ID: id, Updates: updates}, nil)
}

// Memo merges memo into the job record.
func (c *Client) Memo(ctx context.Context, id jobid.ID, memo map[string]any) error {
	return c.c.Call(ctx, TopicMemo, MemoRequest{ID: id, Memo: memo}, nil)
}

// Lookup fetches job data keys such as jobspec, R or eventlog.
func (c *Client) Lookup(ctx context.Context, id jobid.ID, keys ...string) (map[string]json.RawMessage, error) {
	var resp map[string]json.RawMessage
	if err := c.c.Call(ctx, TopicLookup, LookupRequest{ID: id, Keys: keys}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SortRecent orders jobs most recently submitted first, ties broken by id.
func SortRecent(jobs []Info) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].TSubmit != jobs[j].TSubmit {
			return jobs[i].TSubmit > jobs[j].TSubmit
		}
		return jobs[i].ID > jobs[j].ID
	})
}
