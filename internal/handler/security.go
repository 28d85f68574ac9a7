package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/auth"
)

// APIKeyHeader carries the raw API key. "Authorization: Bearer <key>" is
// accepted as well.
const APIKeyHeader = "X-Api-Key"

type keyCtx struct{}

// KeyFromContext returns the authenticated key, if any.
func KeyFromContext(ctx context.Context) (*auth.Key, bool) {
	k, ok := ctx.Value(keyCtx{}).(*auth.Key)
	return k, ok
}

// actor returns the actor recorded in history entries for this request.
func actor(r *http.Request) string {
	if k, ok := KeyFromContext(r.Context()); ok {
		return k.Actor
	}
	return ""
}

func rawKey(r *http.Request) string {
	if v := r.Header.Get(APIKeyHeader); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return v
	}
	return ""
}

// authenticate resolves the API key into an actor. Storage failures are
// reported as such, not as 401.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k, err := h.Auth.Authenticate(r.Context(), rawKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), keyCtx{}, k)
		ctx = zctx.With(ctx, zap.String("actor", k.Actor))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := KeyFromContext(r.Context())
			if !ok || !k.Allows(scope) {
				writeMessage(w, http.StatusForbidden, "FORBIDDEN", "api key lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
