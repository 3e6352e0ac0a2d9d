package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/mrfriendly-bv/wilford/scope"
	"github.com/mrfriendly-bv/wilford/storage"
)

type ctxKey int

const ctxKeyAccessToken ctxKey = iota

// bearerPrincipal is what a validated bearer token resolves to: its scope
// set, plus the user it belongs to (empty for a machine constant token).
type bearerPrincipal struct {
	Scopes []string
	UserID string
}

// bearerToken extracts the access token from "Authorization: Bearer <token>",
// taken from either the request header or the Authorization cookie set by
// the implicit and id_token-token grants.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix), true
	}
	if c, err := r.Cookie("Authorization"); err == nil && strings.HasPrefix(c.Value, prefix) {
		return strings.TrimPrefix(c.Value, prefix), true
	}
	return "", false
}

// requireBearer resolves the bearer token to either an AccessToken or a
// ConstantAccessToken and stashes its scope set in the request context.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpError(w, http.StatusUnauthorized, "Missing bearer token.")
			return
		}
		principal, err := s.resolveBearer(r.Context(), token)
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccessToken, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope additionally enforces scope.ManageScope.
func (s *Server) requireScope(next http.Handler) http.Handler {
	return s.requireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		if !scope.Contains(p.Scopes, scope.ManageScope) {
			httpError(w, http.StatusForbidden, "Requires the wilford.manage scope.")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func principalFromContext(ctx context.Context) bearerPrincipal {
	p, _ := ctx.Value(ctxKeyAccessToken).(bearerPrincipal)
	return p
}

// resolveBearer accepts either a per-user access token or a machine
// constant access token; the latter carries wilford.manage implicitly since
// it exists only for administrative callers.
func (s *Server) resolveBearer(ctx context.Context, token string) (bearerPrincipal, error) {
	if at, err := s.store.GetAccessTokenByToken(ctx, token); err == nil {
		// The expiry check goes through the store so it uses the store's clock.
		if _, err := s.store.ValidateAccessTokenForClient(ctx, token, at.ClientID); err == nil {
			return bearerPrincipal{Scopes: at.Scopes, UserID: at.UserID}, nil
		} else if err != storage.ErrNotFound {
			return bearerPrincipal{}, err
		}
	} else if err != storage.ErrNotFound {
		return bearerPrincipal{}, err
	}
	if _, err := s.store.GetConstantAccessTokenByToken(ctx, token); err != nil {
		return bearerPrincipal{}, err
	}
	return bearerPrincipal{Scopes: []string{scope.ManageScope}}, nil
}
