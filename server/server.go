// Package server wires the persistence layer, authorization provider, token
// signer and mailer into the HTTP surface: the OAuth2/OIDC protocol
// endpoints, the consent-UI bridge, and the client/user/constant-access-token
// administration routes, composed behind a single struct passed to
// gorilla/mux handlers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/idtoken"
	"github.com/mrfriendly-bv/wilford/mail"
	"github.com/mrfriendly-bv/wilford/storage"
	"github.com/mrfriendly-bv/wilford/user"
)

// Endpoints carries the published OIDC discovery URLs and UI paths read
// from configuration.
type Endpoints struct {
	UILoginPath             string
	UIEmailVerificationPath string
	AuthorizationEndpoint   string
	TokenEndpoint           string
	JWKSURIEndpoint         string
}

const (
	accessTokenTTL = time.Hour
	codeTTL        = 10 * time.Minute
)

// Server holds every dependency the HTTP handlers close over.
type Server struct {
	store     storage.Storage
	provider  authorization.Provider
	signer    *idtoken.Signer
	mailer    mail.Mailer
	userSvc   *user.Service
	issuer    string
	endpoints Endpoints
	logger    logrus.FieldLogger
}

func New(
	store storage.Storage,
	provider authorization.Provider,
	signer *idtoken.Signer,
	mailer mail.Mailer,
	userSvc *user.Service,
	issuer string,
	endpoints Endpoints,
	logger logrus.FieldLogger,
) *Server {
	return &Server{
		store:     store,
		provider:  provider,
		signer:    signer,
		mailer:    mailer,
		userSvc:   userSvc,
		issuer:    issuer,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Router constructs the full gorilla/mux route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter().SkipClean(true)

	r.HandleFunc("/api/oauth/authorize", s.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/api/oauth/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/jwks.json", s.handleJWKS).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/auth/authorization-info", s.handleAuthorizationInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/authorize", s.handleConsent).Methods(http.MethodGet)
	r.Handle("/api/v1/auth/token-info", s.requireBearer(http.HandlerFunc(s.handleTokenInfo))).Methods(http.MethodGet)

	r.Handle("/api/v1/clients/list", s.requireScope(http.HandlerFunc(s.handleClientsList))).Methods(http.MethodGet)
	r.Handle("/api/v1/clients/add", s.requireScope(http.HandlerFunc(s.handleClientsAdd))).Methods(http.MethodPost)
	r.Handle("/api/v1/clients/remove", s.requireScope(http.HandlerFunc(s.handleClientsRemove))).Methods(http.MethodPost)
	r.Handle("/api/v1/clients/internal", s.requireScope(http.HandlerFunc(s.handleClientsInternal))).Methods(http.MethodGet)

	r.Handle("/api/v1/cat/list", s.requireScope(http.HandlerFunc(s.handleCATList))).Methods(http.MethodGet)
	r.Handle("/api/v1/cat/add", s.requireScope(http.HandlerFunc(s.handleCATAdd))).Methods(http.MethodPost)
	r.Handle("/api/v1/cat/remove", s.requireScope(http.HandlerFunc(s.handleCATRemove))).Methods(http.MethodPost)

	r.Handle("/api/v1/user/info", s.requireBearer(http.HandlerFunc(s.handleUserInfo))).Methods(http.MethodGet)
	r.Handle("/api/v1/user/list", s.requireScope(http.HandlerFunc(s.handleUserList))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/user/register", s.handleUserRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/user/registration-required", s.handleRegistrationRequired).Methods(http.MethodGet)
	r.Handle("/api/v1/user/change-password", s.requireBearer(http.HandlerFunc(s.handleChangePassword))).Methods(http.MethodPost)
	r.Handle("/api/v1/user/change-email", s.requireBearer(http.HandlerFunc(s.handleChangeEmail))).Methods(http.MethodPost)
	r.Handle("/api/v1/user/change-name", s.requireBearer(http.HandlerFunc(s.handleChangeName))).Methods(http.MethodPost)
	r.Handle("/api/v1/user/verify-email", s.requireBearer(http.HandlerFunc(s.handleVerifyEmail))).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/user/password-forgotten", s.handlePasswordForgotten).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/user/supports-password-change", s.handleSupportsPasswordChange).Methods(http.MethodGet)

	r.Handle("/api/v1/user/permitted-scopes/list", s.requireBearer(http.HandlerFunc(s.handlePermittedScopesList))).Methods(http.MethodGet)
	r.Handle("/api/v1/user/permitted-scopes/add", s.requireScope(http.HandlerFunc(s.handlePermittedScopesAdd))).Methods(http.MethodPost)
	r.Handle("/api/v1/user/permitted-scopes/remove", s.requireScope(http.HandlerFunc(s.handlePermittedScopesRemove))).Methods(http.MethodPost)

	return uncached(r)
}

// uncached forces every response to skip intermediary caches.
func uncached(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		h.ServeHTTP(w, r)
	})
}

// ReapPendingAuthorizations runs once; call it from a ticking goroutine.
// The TTL is 10 minutes, matching the authorization-code TTL.
func (s *Server) ReapPendingAuthorizations(ctx context.Context) {
	n, err := s.store.ReapPendingAuthorizations(ctx, 10*time.Minute)
	if err != nil {
		s.logger.WithError(err).Warn("failed to reap stale pending authorizations")
		return
	}
	if n > 0 {
		s.logger.WithField("count", n).Debug("reaped stale pending authorizations")
	}
}
