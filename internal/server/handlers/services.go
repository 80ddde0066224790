// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/kvs"
	"github.com/flux-framework/flux-core-sub001/internal/resource"
	"github.com/flux-framework/flux-core-sub001/internal/validator"
	"golang.org/x/sys/unix"
)

// TopicAttrGet reads a broker attribute.
const TopicAttrGet = "attr.get"

func (in *Instance) registerServices(reg *Registry) {
	reg.Handle(config.TopicGet, in.handleConfigGet)
	reg.Handle(config.TopicLoad, in.handleConfigLoad)
	reg.Handle(kvs.TopicGet, in.handleKVSGet)
	reg.Handle(kvs.TopicCommit, in.handleKVSCommit)
	reg.Handle(TopicAttrGet, in.handleAttrGet)
	reg.Handle(resource.TopicWaitUp, in.handleWaitUp)
	reg.Handle(resource.TopicGetXML, in.handleGetXML)
	reg.Handle(validator.TopicFeasibility, in.handleFeasibility)
}

func (in *Instance) handleConfigGet(context.Context, *Request) (any, error) {
	conf, _, _ := in.pipelines()
	return conf, nil
}

func (in *Instance) handleConfigLoad(_ context.Context, req *Request) (any, error) {
	if !req.Cred.Owner {
		return nil, broker.Errorf(unix.EPERM, "only the instance owner can load configuration")
	}
	var raw map[string]any
	if err := req.Decode(&raw); err != nil {
		return nil, err
	}
	conf, err := config.Normalize(raw)
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	if err := in.reconfigure(conf); err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	in.log.Info("configuration reloaded")
	return nil, nil
}

func kvsError(key string, err error) error {
	if errors.Is(err, kvs.ErrEmptyKey) {
		return broker.Errorf(unix.EINVAL, "%v", err)
	}
	switch errno := coredb.Errno(err); errno {
	case 0:
		return err
	case unix.ENOENT:
		return broker.Errorf(errno, "%s: no such key", key)
	default:
		return broker.Errorf(errno, "%s: %v", key, err)
	}
}

func (in *Instance) handleKVSGet(ctx context.Context, req *Request) (any, error) {
	var p kvs.GetRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	value, err := in.deps.Store.Get(ctx, p.Key)
	if err != nil {
		return nil, kvsError(p.Key, err)
	}
	return kvs.GetResponse{Value: value}, nil
}

func (in *Instance) handleKVSCommit(ctx context.Context, req *Request) (any, error) {
	if !req.Cred.Owner {
		return nil, broker.Errorf(unix.EPERM, "only the instance owner can commit to the KVS")
	}
	var p kvs.CommitRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := in.deps.Store.Commit(ctx, p.Ops); err != nil {
		return nil, kvsError("commit", err)
	}
	return nil, nil
}

func (in *Instance) handleAttrGet(_ context.Context, req *Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	v, ok := in.deps.Attrs[p.Name]
	if !ok {
		return nil, broker.Errorf(unix.ENOENT, "%s: unknown attribute", p.Name)
	}
	return map[string]string{"value": v}, nil
}

// handleWaitUp answers once the requested number of ranks are online.
// Every rank of the reference instance is up from the start, so a request
// for more ranks than exist only ends when the caller gives up.
func (in *Instance) handleWaitUp(ctx context.Context, req *Request) (any, error) {
	var p resource.WaitUpRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Up <= in.deps.Size {
		return nil, nil
	}
	select {
	case <-ctx.Done():
	case <-in.ctx.Done():
	}
	return nil, broker.Errorf(unix.ETIMEDOUT, "only %d of %d ranks are up", in.deps.Size, p.Up)
}

func (in *Instance) handleGetXML(context.Context, *Request) (any, error) {
	topo := resource.Topology{XML: make([]string, in.deps.Size)}
	for rank := range topo.XML {
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
		b.WriteString("<topology>\n")
		fmt.Fprintf(&b, "  <object type=\"Machine\" os_index=\"%d\" name=%q>\n", rank, in.hostname(rank))
		for core := 0; core < in.deps.Cores; core++ {
			fmt.Fprintf(&b, "    <object type=\"Core\" os_index=\"%d\">\n", core)
			fmt.Fprintf(&b, "      <object type=\"PU\" os_index=\"%d\"/>\n", core)
			b.WriteString("    </object>\n")
		}
		b.WriteString("  </object>\n</topology>\n")
		topo.XML[rank] = b.String()
	}
	return topo, nil
}

// handleFeasibility rejects requests the instance could never satisfy.
func (in *Instance) handleFeasibility(_ context.Context, req *Request) (any, error) {
	var p struct {
		Jobspec json.RawMessage `json:"jobspec"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	js, err := jobspec.Decode(p.Jobspec)
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	nodes := js.Count("node")
	cores := js.Count("core")
	switch {
	case nodes > in.deps.Size:
		return nil, broker.Errorf(unix.EINVAL, "unsatisfiable request: requested %d nodes but only %d are available", nodes, in.deps.Size)
	case cores > in.deps.Size*in.deps.Cores:
		return nil, broker.Errorf(unix.EINVAL, "unsatisfiable request: requested %d cores but only %d are available", cores, in.deps.Size*in.deps.Cores)
	case nodes > 0 && cores > nodes*in.deps.Cores:
		return nil, broker.Errorf(unix.EINVAL, "unsatisfiable request: requested %d cores per node but nodes have %d", cores/nodes, in.deps.Cores)
	case js.Count("gpu") > 0:
		return nil, broker.Errorf(unix.EINVAL, "unsatisfiable request: no gpus are available")
	}
	conf, _, _ := in.pipelines()
	if q := js.Queue(); q != "" {
		if queues, ok := config.Lookup(conf, "queues"); ok {
			if m, ok := queues.(map[string]any); ok {
				if _, ok := m[q]; !ok {
					return nil, broker.Errorf(unix.EINVAL, "invalid queue %q", q)
				}
			}
		}
	}
	return nil, nil
}
