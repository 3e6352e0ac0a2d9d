package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/idtoken"
	"github.com/mrfriendly-bv/wilford/scope"
	"github.com/mrfriendly-bv/wilford/storage"
)

// handleAuthorize validates the request, opens an Unauthorized pending
// authorization, and sends the caller to the configured login UI.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	nonce := q.Get("nonce")
	requestedScope := scope.Parse(q.Get("scope"))

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		if redirectURI == "" {
			httpError(w, http.StatusBadRequest, "Missing or unknown client.")
			return
		}
		(&redirectedAuthErr{State: state, RedirectURI: redirectURI, Type: errUnauthorizedClient}).writeTo(w, r)
		return
	}
	if redirectURI != client.RedirectURI {
		httpError(w, http.StatusBadRequest, "redirect_uri does not match the registered value.")
		return
	}

	var ty storage.PendingAuthorizationType
	switch responseType {
	case "code":
		ty = storage.PendingAuthorizationCode
	case "token":
		ty = storage.PendingAuthorizationImplicit
	case "id_token token":
		if nonce == "" {
			(&redirectedAuthErr{State: state, RedirectURI: redirectURI, Type: errInvalidRequest}).writeTo(w, r)
			return
		}
		ty = storage.PendingAuthorizationIDToken
	default:
		(&redirectedAuthErr{State: state, RedirectURI: redirectURI, Type: errUnsupportedResponseType}).writeTo(w, r)
		return
	}

	pending := storage.PendingAuthorization{
		ID:        storage.NewAuthorizationID(),
		ClientID:  clientID,
		Scopes:    requestedScope,
		State:     state,
		Nonce:     nonce,
		Type:      ty,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.store.CreatePendingAuthorization(r.Context(), pending); err != nil {
		(&redirectedAuthErr{State: state, RedirectURI: redirectURI, Type: errServerError}).writeTo(w, r)
		return
	}

	v := url.Values{}
	v.Set("authorization", pending.ID)
	loginURL := s.endpoints.UILoginPath
	if strings.Contains(loginURL, "?") {
		loginURL += "&" + v.Encode()
	} else {
		loginURL += "?" + v.Encode()
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

type loginRequest struct {
	Authorization string `json:"authorization"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	TotpCode      string `json:"totp_code"`
}

type loginResponse struct {
	Status       bool `json:"status"`
	TotpRequired bool `json:"totp_required"`
}

// handleLogin validates credentials against the configured
// authorization.Provider and checks the requested scopes are permitted
// before the caller is allowed to proceed to consent.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}

	pending, err := s.store.GetPendingAuthorization(r.Context(), req.Authorization)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if pending.Authorized() {
		httpError(w, http.StatusBadRequest, "Already authorized.")
		return
	}

	result, err := s.provider.ValidateCredentials(r.Context(), authorization.Credentials{
		Username: req.Username,
		Password: req.Password,
		Totp:     req.TotpCode,
	})
	if err != nil {
		var authErr *authorization.Error
		if errors.As(err, &authErr) {
			switch authErr.Kind {
			case authorization.InvalidCredentials:
				writeJSON(w, http.StatusOK, loginResponse{Status: false, TotpRequired: false})
				return
			case authorization.TotpNeeded:
				writeJSON(w, http.StatusOK, loginResponse{Status: false, TotpRequired: true})
				return
			}
		}
		writeAPIErr(w, err)
		return
	}

	if !result.User.IsAdmin && !scope.Permitted(pending.Scopes, mustPermittedScopes(s, r, result.User.UserID)) {
		httpError(w, http.StatusForbidden, "Requested scope exceeds what is permitted for this user.")
		return
	}

	if err := s.store.AuthorizePendingAuthorization(r.Context(), pending.ID, result.User.UserID); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Status: true})
}

func mustPermittedScopes(s *Server, r *http.Request, userID string) []string {
	permitted, err := s.store.ListPermittedScopes(r.Context(), userID)
	if err != nil {
		return nil
	}
	return permitted
}

// handleConsent: grant issues the terminal token(s) for the pending
// authorization's response type; deny redirects with access_denied and
// discards it.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("authorization")
	grant := q.Get("grant") == "true"

	pending, err := s.store.GetPendingAuthorization(r.Context(), id)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if !pending.Authorized() {
		httpError(w, http.StatusUnauthorized, "Not yet logged in.")
		return
	}
	client, err := s.store.GetClient(r.Context(), pending.ClientID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	if !grant {
		_ = s.store.DeletePendingAuthorization(r.Context(), id)
		(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errAccessDenied}).writeTo(w, r)
		return
	}

	switch pending.Type {
	case storage.PendingAuthorizationCode:
		code, err := s.store.ConsumePendingAndIssueCode(r.Context(), id)
		if err != nil {
			(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
			return
		}
		v := url.Values{}
		v.Set("code", code.Code)
		if pending.State != "" {
			v.Set("state", pending.State)
		}
		http.Redirect(w, r, appendQuery(client.RedirectURI, v), http.StatusFound)

	case storage.PendingAuthorizationImplicit:
		at, err := s.store.ConsumePendingAndIssueAccess(r.Context(), id, accessTokenTTL)
		if err != nil {
			(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
			return
		}
		v := url.Values{}
		v.Set("access_token", at.Token)
		v.Set("token_type", "bearer")
		if pending.State != "" {
			v.Set("state", pending.State)
		}
		setAuthorizationCookie(w, at.Token)
		http.Redirect(w, r, appendFragment(client.RedirectURI, v), http.StatusFound)

	case storage.PendingAuthorizationIDToken:
		at, err := s.store.ConsumePendingAndIssueAccess(r.Context(), id, accessTokenTTL)
		if err != nil {
			(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
			return
		}
		user, err := s.store.GetUser(r.Context(), at.UserID)
		if err != nil {
			(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
			return
		}
		idTok, err := s.signIDToken(client.ClientID, user, at.ExpiresAt, pending.Nonce)
		if err != nil {
			(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
			return
		}
		v := url.Values{}
		v.Set("access_token", at.Token)
		v.Set("token_type", "bearer")
		v.Set("id_token", idTok)
		if pending.State != "" {
			v.Set("state", pending.State)
		}
		setAuthorizationCookie(w, at.Token)
		http.Redirect(w, r, appendFragment(client.RedirectURI, v), http.StatusFound)

	default:
		(&redirectedAuthErr{State: pending.State, RedirectURI: client.RedirectURI, Type: errServerError}).writeTo(w, r)
	}
}

// authorizationCookieTTL matches the original response_types behavior of
// keeping the bearer cookie alive well past any single access token's life.
const authorizationCookieTTL = 30 * 24 * time.Hour

// setAuthorizationCookie mirrors the access token into a cookie so that
// browser-based relying parties picking up the implicit or id_token-token
// fragment can also authenticate same-site requests without re-parsing it.
func setAuthorizationCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "Authorization",
		Value:    "Bearer " + token,
		Path:     "/",
		Expires:  time.Now().Add(authorizationCookieTTL),
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

func (s *Server) signIDToken(clientID string, u storage.User, expiresAt int64, nonce string) (string, error) {
	return s.signer.Sign(idtoken.Claims{
		Issuer:     s.issuer,
		Subject:    u.UserID,
		Audience:   clientID,
		ExpiresAt:  expiresAt,
		IssuedAt:   time.Now().Unix(),
		Nonce:      nonce,
		SubEmail:   u.Email,
		SubName:    u.Name,
		SubIsAdmin: u.IsAdmin,
	})
}

func appendQuery(base string, v url.Values) string {
	if strings.Contains(base, "?") {
		return base + "&" + v.Encode()
	}
	return base + "?" + v.Encode()
}

func appendFragment(base string, v url.Values) string {
	return base + "#" + v.Encode()
}

// handleToken implements the authorization_code and refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenErr(w, errInvalidRequest, http.StatusBadRequest)
		return
	}
	grantType := r.FormValue("grant_type")
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	redirectURI := r.FormValue("redirect_uri")

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil || client.ClientSecret != clientSecret || client.RedirectURI != redirectURI {
		tokenErr(w, errUnauthorizedClient, http.StatusBadRequest)
		return
	}

	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, client)
	default:
		tokenErr(w, errInvalidRequest, http.StatusBadRequest)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	code := r.FormValue("code")
	ac, err := s.store.GetAuthorizationCode(r.Context(), code)
	if err != nil {
		tokenErr(w, errInvalidGrant, http.StatusBadRequest)
		return
	}
	if ac.ClientID != client.ClientID || ac.Expired(time.Now()) {
		tokenErr(w, errInvalidGrant, http.StatusBadRequest)
		return
	}

	at, rt, err := s.store.ConsumeCodeAndIssueTokenPair(r.Context(), code)
	if err != nil {
		tokenErr(w, errInvalidGrant, http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUser(r.Context(), at.UserID)
	if err != nil {
		tokenErr(w, errServerError, http.StatusBadRequest)
		return
	}
	idTok, err := s.signIDToken(client.ClientID, user, at.ExpiresAt, ac.Nonce)
	if err != nil {
		tokenErr(w, errServerError, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  at.Token,
		TokenType:    "bearer",
		ExpiresIn:    at.ExpiresAt - at.IssuedAt,
		RefreshToken: rt.Token,
		Scope:        scope.Join(at.Scopes),
		IDToken:      idTok,
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	refreshToken := r.FormValue("refresh_token")
	rt, err := s.store.GetRefreshToken(r.Context(), refreshToken)
	if err != nil || rt.ClientID != client.ClientID {
		tokenErr(w, errInvalidGrant, http.StatusBadRequest)
		return
	}

	at, err := s.store.RefreshAccessToken(r.Context(), refreshToken, accessTokenTTL)
	if err != nil {
		tokenErr(w, errInvalidGrant, http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUser(r.Context(), at.UserID)
	if err != nil {
		tokenErr(w, errServerError, http.StatusBadRequest)
		return
	}
	idTok, err := s.signIDToken(client.ClientID, user, at.ExpiresAt, "")
	if err != nil {
		tokenErr(w, errServerError, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  at.Token,
		TokenType:    "bearer",
		ExpiresIn:    at.ExpiresAt - at.IssuedAt,
		RefreshToken: rt.Token,
		Scope:        scope.Join(at.Scopes),
		IDToken:      idTok,
	})
}

type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                           s.issuer,
		AuthorizationEndpoint:            s.endpoints.AuthorizationEndpoint,
		TokenEndpoint:                    s.endpoints.TokenEndpoint,
		JWKSURI:                          s.endpoints.JWKSURIEndpoint,
		ResponseTypesSupported:           []string{"code", "id_token token", "token"},
		GrantTypesSupported:              []string{"authorization_code", "implicit"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	body, err := s.signer.JWKS()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type authorizationInfoResponse struct {
	ClientName string `json:"client_name"`
	Scopes     string `json:"scopes"`
}

func (s *Server) handleAuthorizationInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("authorization")
	pending, err := s.store.GetPendingAuthorization(r.Context(), id)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if pending.Authorized() {
		httpError(w, http.StatusUnauthorized, "Already authorized.")
		return
	}
	client, err := s.store.GetClient(r.Context(), pending.ClientID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationInfoResponse{
		ClientName: client.Name,
		Scopes:     scope.Join(pending.Scopes),
	})
}

type tokenInfoResponse struct {
	Scope string `json:"scope"`
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	writeJSON(w, http.StatusOK, tokenInfoResponse{Scope: scope.Join(p.Scopes)})
}
