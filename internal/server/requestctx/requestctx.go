// SPDX-License-Identifier: AGPL-3.0-or-later
package requestctx

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}
type metadataKey struct{}
type credKey struct{}

var (
	ctxLoggerKey   = &loggerKey{}
	ctxMetadataKey = &metadataKey{}
	ctxCredKey     = &credKey{}
)

// Metadata stores auxiliary request attributes for structured logging.
type Metadata struct {
	Topic    string
	Matchtag string
	Errnum   int
}

// Cred identifies the caller of an RPC.
type Cred struct {
	UserID int
	// Owner is set when the caller runs as the instance owner.
	Owner bool
}

// WithLogger stores the request-scoped logger in the context.
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLoggerKey, logger)
}

// Logger extracts the request-scoped logger from context, if present.
func Logger(ctx context.Context) logrus.FieldLogger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(ctxLoggerKey).(logrus.FieldLogger)
	return logger
}

// LoggerOr returns the request logger or fallback.
func LoggerOr(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if l := Logger(ctx); l != nil {
		return l
	}
	if fallback == nil {
		return logrus.StandardLogger()
	}
	return fallback
}

// WithMetadata stores request metadata in context, overwriting any existing value.
func WithMetadata(ctx context.Context, meta *Metadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxMetadataKey, meta)
}

// MetadataFromContext retrieves the metadata pointer stored on the context, if present.
func MetadataFromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return nil
	}
	meta, _ := ctx.Value(ctxMetadataKey).(*Metadata)
	return meta
}

func metadata(ctx context.Context) (context.Context, *Metadata) {
	meta := MetadataFromContext(ctx)
	if meta == nil {
		meta = &Metadata{}
		ctx = context.WithValue(ctx, ctxMetadataKey, meta)
	}
	return ctx, meta
}

// WithTopic annotates metadata with the RPC topic.
func WithTopic(ctx context.Context, topic string) context.Context {
	if topic == "" {
		return ctx
	}
	ctx, meta := metadata(ctx)
	meta.Topic = topic
	return ctx
}

// Topic returns the RPC topic recorded in metadata, if any.
func Topic(ctx context.Context) (string, bool) {
	meta := MetadataFromContext(ctx)
	if meta == nil || meta.Topic == "" {
		return "", false
	}
	return meta.Topic, true
}

// SetMatchtag records the matchtag of a streaming request.
func SetMatchtag(ctx context.Context, tag string) {
	if meta := MetadataFromContext(ctx); meta != nil {
		meta.Matchtag = tag
	}
}

// SetErrnum records the errnum a request failed with.
func SetErrnum(ctx context.Context, errnum int) {
	if meta := MetadataFromContext(ctx); meta != nil {
		meta.Errnum = errnum
	}
}

// WithCred stores the caller credentials on the context.
func WithCred(ctx context.Context, cred Cred) context.Context {
	return context.WithValue(ctx, ctxCredKey, cred)
}

// CredFromContext returns the caller credentials. Requests without
// credentials are treated as coming from the owner.
func CredFromContext(ctx context.Context, owner int) Cred {
	if ctx != nil {
		if cred, ok := ctx.Value(ctxCredKey).(Cred); ok {
			return cred
		}
	}
	return Cred{UserID: owner, Owner: true}
}
