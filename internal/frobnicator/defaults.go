// SPDX-License-Identifier: AGPL-3.0-or-later
package frobnicator

import (
	"context"
	"fmt"
	"sort"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/fsd"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
)

const defaultsKey = "policy.jobspec.defaults.system"

// Defaults fills unset system attributes from the instance policy. Queue
// defaults take precedence over global ones.
type Defaults struct {
	queues  map[string]any
	global  map[string]any
	byQueue map[string]map[string]any
}

func (d *Defaults) Name() string { return "defaults" }

func (d *Defaults) Configure(conf config.Tree, env Env) error {
	d.queues, _ = lookupMap(conf, "queues")
	d.global, _ = lookupMap(conf, defaultsKey)
	d.byQueue = map[string]map[string]any{}
	for name, q := range d.queues {
		qm, ok := q.(map[string]any)
		if !ok {
			return fmt.Errorf("queues.%s must be a table", name)
		}
		if m, ok := lookupMap(qm, defaultsKey); ok {
			d.byQueue[name] = m
		}
	}
	if q, ok := d.global["queue"]; ok {
		name, _ := q.(string)
		if _, ok := d.queues[name]; !ok {
			return fmt.Errorf("default queue %q is not configured", name)
		}
	}
	return nil
}

func (d *Defaults) Frob(_ context.Context, js *jobspec.Jobspec, _ Info) error {
	queue := js.Queue()
	if queue == "" {
		queue, _ = d.global["queue"].(string)
	}
	switch {
	case queue == "" && len(d.queues) > 0:
		return ErrMissingQueue
	case queue != "" && len(d.queues) == 0:
		return fmt.Errorf("%w: %q (no queues are configured)", ErrInvalidQueue, queue)
	case queue != "":
		if _, ok := d.queues[queue]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidQueue, queue)
		}
		if err := js.SetAttribute("system.queue", queue); err != nil {
			return err
		}
	}
	if err := applyDefaults(js, d.byQueue[queue]); err != nil {
		return err
	}
	return applyDefaults(js, d.global)
}

func applyDefaults(js *jobspec.Jobspec, defs map[string]any) error {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := defs[key]
		switch key {
		case "queue":
			continue
		case "duration":
			if js.Duration() != 0 {
				continue
			}
			secs, err := durationValue(value)
			if err != nil {
				return err
			}
			if err := js.SetAttribute("system.duration", secs); err != nil {
				return err
			}
			continue
		}
		if _, ok := js.GetAttribute("system." + key); ok {
			continue
		}
		if err := js.SetAttribute("system."+key, value); err != nil {
			return fmt.Errorf("default %s: %w", key, err)
		}
	}
	return nil
}

func durationValue(v any) (float64, error) {
	switch d := v.(type) {
	case string:
		secs, err := fsd.Parse(d)
		if err != nil {
			return 0, fmt.Errorf("default duration: %w", err)
		}
		return secs, nil
	case float64:
		return d, nil
	case int:
		return float64(d), nil
	case int64:
		return float64(d), nil
	}
	return 0, fmt.Errorf("default duration: unexpected type %T", v)
}

func lookupMap(tree map[string]any, key string) (map[string]any, bool) {
	v, ok := config.Lookup(tree, key)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}
