// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Middleware defines a HTTP middleware component.
type Middleware func(http.Handler) http.Handler

// chainMiddleware applies the supplied middlewares in order to the provided handler.
func chainMiddleware(h http.Handler, chain ...Middleware) http.Handler {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] == nil {
			continue
		}
		h = chain[i](h)
	}
	return h
}

// routeTopic is the RPC topic of r, or its path for other routes.
func routeTopic(r *http.Request) string {
	if topic := mux.Vars(r)["topic"]; topic != "" {
		return topic
	}
	return r.URL.Path
}

// loggingMiddleware installs a request-scoped logger carrying the topic and
// caller, and logs each finished request at debug level.
func loggingMiddleware(logger logrus.FieldLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			topic := routeTopic(r)
			cred := requestctx.CredFromContext(r.Context(), -1)
			reqLogger := logger.WithFields(logrus.Fields{
				"topic":  topic,
				"userid": cred.UserID,
			})
			meta := &requestctx.Metadata{Topic: topic}
			ctx := requestctx.WithMetadata(r.Context(), meta)
			ctx = requestctx.WithLogger(ctx, reqLogger)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			fields := logrus.Fields{
				"status":   recorder.status,
				"duration": time.Since(start),
			}
			if meta.Matchtag != "" {
				fields["matchtag"] = meta.Matchtag
			}
			if meta.Errnum != 0 {
				fields["errnum"] = meta.Errnum
			}
			reqLogger.WithFields(fields).Debug("request")
		})
	}
}

func metricsMiddleware(enabled bool) Middleware {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			labels := metrics.Labels{
				"topic":  routeTopic(r),
				"status": strconv.Itoa(recorder.status),
			}
			if meta := requestctx.MetadataFromContext(r.Context()); meta != nil && meta.Errnum != 0 {
				labels["errnum"] = strconv.Itoa(meta.Errnum)
			}
			metrics.Default.Add("rpc.requests", labels, 1)
			metrics.Default.Observe("rpc.duration", metrics.Labels{"topic": labels["topic"]}, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming responses pass through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
