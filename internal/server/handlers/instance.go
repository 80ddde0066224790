// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/executor"
	"github.com/flux-framework/flux-core-sub001/internal/frobnicator"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
	"github.com/flux-framework/flux-core-sub001/internal/server/sse"
	"github.com/flux-framework/flux-core-sub001/internal/validator"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// OutputPath is the journal path holding job output.
const OutputPath = "guest.output"

// Output log events.
const (
	outputData  = "data"
	outputClose = "close"
)

const defaultKillTimeout = 5 * time.Second

// Deps are the collaborators of an Instance.
type Deps struct {
	Store   *coredb.Store
	Journal *coredb.Journal
	Hub     *sse.Hub
	Jobs    *jobstore.Store
	IDs     *jobid.Generator
	// Plugins supplies the ingest frobnicators and validators. Nil uses
	// plugin.Default.
	Plugins *plugin.Registry
	Config  config.Tree
	// Attrs are the broker attributes answered by attr.get.
	Attrs map[string]string
	// Owner is the uid of the instance owner.
	Owner int
	// Size is the number of simulated nodes, each with Cores cores.
	Size  int
	Cores int
	// KillTimeout is the delay between SIGTERM and SIGKILL on cancel.
	KillTimeout time.Duration
	// TmpRoot is the parent of job tmpdirs.
	TmpRoot string
	// URI is exported to tasks as FLUX_URI.
	URI string
	Log logrus.FieldLogger
}

// Instance owns the job services of one reference instance.
type Instance struct {
	deps Deps
	log  logrus.FieldLogger
	reg  *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// postMu orders journal appends with hub publication.
	postMu sync.Mutex

	confMu sync.RWMutex
	conf   config.Tree
	frob   *frobnicator.Pipeline
	valid  *validator.Pipeline

	mu     sync.Mutex
	runs   map[jobid.ID]*run
	shells map[string]*executor.Shell
}

// NewInstance configures the ingest pipelines from deps.Config and returns
// an instance ready to Register.
func NewInstance(deps Deps) (*Instance, error) {
	if deps.Store == nil || deps.Journal == nil || deps.Hub == nil || deps.Jobs == nil || deps.IDs == nil {
		return nil, errors.New("handlers: store, journal, hub, jobs and id generator are required")
	}
	if deps.Plugins == nil {
		deps.Plugins = plugin.Default
	}
	if deps.Size <= 0 {
		deps.Size = 1
	}
	if deps.Cores <= 0 {
		deps.Cores = 1
	}
	if deps.KillTimeout <= 0 {
		deps.KillTimeout = defaultKillTimeout
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &Instance{
		deps:   deps,
		log:    deps.Log.WithField("component", "instance"),
		reg:    NewRegistry(deps.Owner),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[jobid.ID]*run),
		shells: make(map[string]*executor.Shell),
	}
	if err := in.reconfigure(deps.Config); err != nil {
		cancel()
		return nil, err
	}
	return in, nil
}

// Register installs every service method on reg and keeps reg for
// in-process calls made by plugins.
func (in *Instance) Register(reg *Registry) {
	in.reg = reg

	reg.Handle(job.TopicSubmit, in.submit)
	reg.Handle(job.TopicRaise, in.handleRaise)
	reg.Handle(job.TopicRaiseAll, in.handleRaiseAll)
	reg.Handle(job.TopicWait, in.handleWait)
	reg.Handle(job.TopicUpdate, in.handleUpdate)
	reg.Handle(job.TopicMemo, in.handleMemo)
	reg.Handle(job.TopicLookup, in.handleLookup)
	reg.Stream(broker.TopicEventWatch, in.handleEventWatch)
	reg.Handle(job.TopicList, in.handleList)
	reg.Handle(job.TopicListID, in.handleListID)

	in.registerServices(reg)
	in.registerShell(reg)
}

// Close cancels running jobs and waits for their state machines to finish.
func (in *Instance) Close() error {
	in.cancel()
	in.wg.Wait()
	in.confMu.Lock()
	defer in.confMu.Unlock()
	if in.valid != nil {
		return in.valid.Close()
	}
	return nil
}

// reconfigure loads the ingest pipelines selected by conf and swaps them in.
func (in *Instance) reconfigure(conf config.Tree) error {
	if conf == nil {
		conf = config.Tree{}
	}
	frobSel, err := selection(conf, "ingest.frobnicator.plugins")
	if err != nil {
		return err
	}
	validSel, err := selection(conf, "ingest.validator.plugins")
	if err != nil {
		return err
	}
	frob, err := frobnicator.Load(in.deps.Plugins, frobSel)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := frob.Configure(conf, frobnicator.Env{
		Lister: job.NewClient(callerFunc(in.call)),
		Log:    in.deps.Log.WithField("component", "frobnicator"),
	}); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	valid, err := validator.Load(in.deps.Plugins, validSel)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := valid.Configure(conf, validator.Env{
		Connect: func() (broker.Caller, error) { return callerFunc(in.call), nil },
		Log:     in.deps.Log.WithField("component", "validator"),
	}); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	in.confMu.Lock()
	old := in.valid
	in.conf, in.frob, in.valid = conf, frob, valid
	in.confMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	in.log.WithFields(logrus.Fields{
		"frobnicators": frob.Names(),
		"validators":   valid.Names(),
	}).Debug("ingest configured")
	return nil
}

func selection(conf config.Tree, key string) ([]string, error) {
	v, ok := config.Lookup(conf, key)
	if !ok {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return plugin.ParseList(s), nil
	}
	return config.Convert[[]string](v, key)
}

func (in *Instance) pipelines() (config.Tree, *frobnicator.Pipeline, *validator.Pipeline) {
	in.confMu.RLock()
	defer in.confMu.RUnlock()
	return in.conf, in.frob, in.valid
}

// call routes through the current registry so that plugins configured
// before Register still reach the final service table.
func (in *Instance) call(ctx context.Context, topic string, payload, out any) error {
	return in.reg.Call(requestctx.WithCred(ctx, requestctx.Cred{UserID: in.deps.Owner, Owner: true}), topic, payload, out)
}

type callerFunc func(ctx context.Context, topic string, payload, out any) error

func (f callerFunc) Call(ctx context.Context, topic string, payload, out any) error {
	return f(ctx, topic, payload, out)
}

// post appends an event to a job eventlog and publishes it to watchers.
func (in *Instance) post(id jobid.ID, path, name string, data map[string]any) {
	ev := eventlog.New(name, data)
	in.postMu.Lock()
	defer in.postMu.Unlock()
	entry, err := in.deps.Journal.Append(context.Background(), id, path, ev)
	if err != nil {
		in.log.WithError(err).WithFields(logrus.Fields{
			"jobid": id.Encode(jobid.F58),
			"path":  path,
			"event": name,
		}).Warn("eventlog append failed")
		return
	}
	in.deps.Hub.Publish(sse.Key(id, path), sse.Event{Seq: entry.Seq, Event: entry.Event})
	metrics.Default.Add("eventlog.posted", metrics.Labels{"path": path}, 1)
}

// authorize allows the instance owner and the job owner.
func authorize(cred requestctx.Cred, rec jobstore.Record) error {
	if cred.Owner || cred.UserID == rec.UserID {
		return nil
	}
	return broker.Errorf(unix.EPERM, "%s: permission denied", rec.ID.Encode(jobid.F58))
}

func (in *Instance) lookupJob(id jobid.ID) (jobstore.Record, error) {
	rec, ok := in.deps.Jobs.Get(id)
	if !ok {
		return rec, broker.Errorf(unix.ENOENT, "%s: unknown job id", id.Encode(jobid.F58))
	}
	return rec, nil
}

// execSink routes shell events and output into the job's journal paths.
type execSink struct {
	in *Instance
	id jobid.ID
}

func (s execSink) Event(name string, data map[string]any) {
	s.in.post(s.id, eventlog.Exec, name, data)
}

func (s execSink) Output(d job.IOData) {
	ctx := map[string]any{"stream": d.Stream, "rank": d.Rank}
	if len(d.Data) > 0 {
		ctx["data"] = d.Data
	}
	if d.EOF {
		ctx["eof"] = true
	}
	s.in.post(s.id, OutputPath, outputData, ctx)
}
