// Package api exposes the Slate chat REST surface and the identity boundary.
//
// Authentication happens upstream (spec'd as an external collaborator): the
// gateway in front of this service verifies the session and forwards the
// caller's id and role as trusted headers.
package api

import (
	"context"
	"net/http"
	"strings"

	"slate/cmd/internal/directory"
)

// Trusted identity headers set by the upstream gateway.
const (
	HeaderUser = "X-Slate-User"
	HeaderRole = "X-Slate-Role"
	// HeaderSession optionally names the caller's realtime session so the
	// sender-side echo can skip the originating device.
	HeaderSession = "X-Slate-Session"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   directory.Role
}

type identityCtxKey struct{}

// IdentityFromRequest reads the trusted identity headers.
func IdentityFromRequest(r *http.Request) (Identity, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUser))
	role, ok := directory.ParseRole(strings.TrimSpace(r.Header.Get(HeaderRole)))
	if userID == "" || !ok {
		return Identity{}, false
	}
	return Identity{UserID: userID, Role: role}, true
}

// WithIdentity rejects requests without a valid identity and stashes the
// caller in the request context.
func WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid identity headers")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityCtxKey{}, id)))
	})
}

// IdentityFromContext returns the caller stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}
