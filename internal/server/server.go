// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server runs the reference instance: an HTTP RPC server on a unix
// socket whose services accept, run and report on jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/paths"
	"github.com/flux-framework/flux-core-sub001/internal/server/handlers"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/flux-framework/flux-core-sub001/internal/server/sse"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is a running reference instance.
type Server struct {
	cfg  Config
	log  logrus.FieldLogger
	db   *coredb.DB
	inst *handlers.Instance
	http *http.Server

	listeners []net.Listener
	pidFile   string
	errCh     chan error
	closeOnce sync.Once
	closeErr  error
}

// Start opens the content store, starts the services and begins serving.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	norm := cfg.normalize()
	log := norm.Log.WithField("component", "broker")
	if _, err := paths.EnsureDir(norm.RunDir); err != nil {
		return nil, fmt.Errorf("create rundir: %w", err)
	}
	conf, err := norm.loadConf()
	if err != nil {
		return nil, err
	}

	db, err := coredb.Open(ctx, norm.CoreDBOptions)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	ids, err := jobid.NewGenerator(0, time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	tmpRoot := filepath.Join(norm.RunDir, "jobs")
	if _, err := paths.EnsureDir(tmpRoot); err != nil {
		db.Close()
		return nil, fmt.Errorf("create job tmpdir root: %w", err)
	}
	owner := os.Getuid()
	inst, err := handlers.NewInstance(handlers.Deps{
		Store:       coredb.NewStore(db),
		Journal:     coredb.NewJournal(db, norm.CoreDBOptions.JournalMaxBytes),
		Hub:         sse.New(sse.Config{}),
		Jobs:        jobstore.New(),
		IDs:         ids,
		Config:      conf,
		Attrs:       norm.attrs(uuid.NewString()),
		Owner:       owner,
		Size:        norm.Size,
		Cores:       norm.Cores,
		KillTimeout: norm.KillTimeout,
		TmpRoot:     tmpRoot,
		URI:         norm.LocalURI(),
		Log:         norm.Log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	reg := handlers.NewRegistry(owner)
	inst.Register(reg)

	s := &Server{
		cfg:   norm,
		log:   log,
		db:    db,
		inst:  inst,
		errCh: make(chan error, 2),
	}
	s.http = &http.Server{
		Handler:     buildHandler(norm, reg, db, owner),
		ConnContext: connContext,
	}
	if err := s.listen(); err != nil {
		s.Close()
		return nil, err
	}
	if norm.PidFile {
		if err := s.writePidFile(); err != nil {
			log.WithError(err).Warn("failed to record broker uri")
		}
	}
	for _, l := range s.listeners {
		go func(l net.Listener) {
			s.errCh <- s.http.Serve(l)
		}(l)
	}
	log.WithFields(logrus.Fields{
		"uri":   norm.LocalURI(),
		"size":  norm.Size,
		"cores": norm.Cores,
	}).Info("broker ready")
	return s, nil
}

func (s *Server) listen() error {
	sock := paths.SocketPath(s.cfg.RunDir)
	if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listeners = append(s.listeners, l)
	if s.cfg.Listen != "" {
		tl, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		s.listeners = append(s.listeners, tl)
	}
	return nil
}

func (s *Server) writePidFile() error {
	s.pidFile = paths.PidFile(os.Getpid())
	if _, err := paths.EnsureDir(filepath.Dir(s.pidFile)); err != nil {
		return err
	}
	return os.WriteFile(s.pidFile, []byte(s.URI()+"\n"), 0o600)
}

// URI is the local:// URI of the instance.
func (s *Server) URI() string { return s.cfg.LocalURI() }

// TCPURI is the tcp:// URI of the extra listener, or "".
func (s *Server) TCPURI() string {
	if len(s.listeners) < 2 {
		return ""
	}
	return "tcp://" + s.listeners[1].Addr().String()
}

// Err reports a listener that stopped serving.
func (s *Server) Err() <-chan error { return s.errCh }

// Shutdown stops accepting requests, waits for in-flight requests up to
// ctx, and then stops the job services.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = s.http.Close()
	}
	return errors.Join(err, s.Close())
}

// Close terminates running jobs and releases the content store.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, l := range s.listeners {
			_ = l.Close()
		}
		errs = append(errs, s.inst.Close())
		errs = append(errs, s.db.Close())
		if s.pidFile != "" {
			_ = os.Remove(s.pidFile)
		}
		_ = os.Remove(paths.SocketPath(s.cfg.RunDir))
		s.closeErr = errors.Join(errs...)
		s.log.Info("broker stopped")
	})
	return s.closeErr
}

// Run serves until ctx is canceled or a listener fails.
func Run(ctx context.Context, cfg Config) error {
	s, err := Start(ctx, cfg)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case err = <-s.Err():
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}

func buildHandler(cfg Config, reg *handlers.Registry, db *coredb.DB, owner int) http.Handler {
	r := mux.NewRouter()
	r.Handle("/rpc/{topic}", newRPCHandler(reg, owner, cfg.KeepAlive, cfg.MaxPayload)).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	r.Handle("/health/storage", handlers.NewStorageHealthHandler(db))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Default.Handler()).Methods(http.MethodGet)
	}
	r.Use(
		mux.MiddlewareFunc(credMiddleware(owner)),
		mux.MiddlewareFunc(loggingMiddleware(cfg.Log)),
		mux.MiddlewareFunc(metricsMiddleware(cfg.MetricsEnabled)),
	)
	return r
}
