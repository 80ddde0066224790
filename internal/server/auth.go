// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
)

type peerContextKey struct{}

var ctxPeerKey = &peerContextKey{}

// connContext records the uid of the process on the other end of a unix
// socket connection. TCP connections carry no credentials.
func connContext(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	uid, ok := peerUID(uc)
	if !ok {
		return ctx
	}
	return contextWithPeer(ctx, uid)
}

func contextWithPeer(ctx context.Context, uid int) context.Context {
	return context.WithValue(ctx, ctxPeerKey, uid)
}

// PeerUID returns the uid recorded by connContext.
func PeerUID(ctx context.Context) (int, bool) {
	uid, ok := ctx.Value(ctxPeerKey).(int)
	return uid, ok
}

// credMiddleware attaches the caller's credentials. Peers without socket
// credentials (tcp, ssh relay) act as the instance owner.
func credMiddleware(owner int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := PeerUID(r.Context())
			if !ok {
				uid = owner
			}
			cred := requestctx.Cred{UserID: uid, Owner: uid == owner}
			next.ServeHTTP(w, r.WithContext(requestctx.WithCred(r.Context(), cred)))
		})
	}
}
