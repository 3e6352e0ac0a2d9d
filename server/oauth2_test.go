package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/authorization/local"
	"github.com/mrfriendly-bv/wilford/idtoken"
	"github.com/mrfriendly-bv/wilford/storage"
	"github.com/mrfriendly-bv/wilford/storage/memory"
	"github.com/mrfriendly-bv/wilford/user"
)

func testSigner(t *testing.T) *idtoken.Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	signer, err := idtoken.New(privPEM, pubPEM)
	require.NoError(t, err)
	return signer
}

func testServer(t *testing.T) (*Server, storage.Storage, *local.Provider) {
	t.Helper()
	store := memory.New(time.Now)
	provider := local.New(store)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	userSvc := user.NewService(store, provider, nil, "https://auth.example.com/verify", logger)

	endpoints := Endpoints{
		UILoginPath:           "https://auth.example.com/login",
		AuthorizationEndpoint: "https://auth.example.com/api/oauth/authorize",
		TokenEndpoint:         "https://auth.example.com/api/oauth/token",
		JWKSURIEndpoint:       "https://auth.example.com/.well-known/jwks.json",
	}

	s := New(store, provider, testSigner(t), nil, userSvc, "https://auth.example.com", endpoints, logger)
	return s, store, provider
}

func registerClient(t *testing.T, store storage.Storage, redirectURI string) storage.Client {
	t.Helper()
	c := storage.Client{
		ClientID:     storage.NewClientID(),
		ClientSecret: storage.NewClientSecret(),
		Name:         "test client",
		RedirectURI:  redirectURI,
	}
	require.NoError(t, store.CreateClient(context.Background(), c))
	return c
}

func TestHandleAuthorizeOpensLoginRedirect(t *testing.T) {
	s, store, _ := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?response_type=code&client_id="+client.ClientID+"&redirect_uri="+url.QueryEscape(client.RedirectURI)+"&state=xyz&scope=openid", nil)
	w := httptest.NewRecorder()

	s.handleAuthorize(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), s.endpoints.UILoginPath))
	require.NotEmpty(t, loc.Query().Get("authorization"))
}

func TestHandleAuthorizeRejectsMismatchedRedirectURI(t *testing.T) {
	s, store, _ := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?response_type=code&client_id="+client.ClientID+"&redirect_uri=https://evil.example.com", nil)
	w := httptest.NewRecorder()

	s.handleAuthorize(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAuthorizeRejectsUnsupportedResponseType(t *testing.T) {
	s, store, _ := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?response_type=bogus&client_id="+client.ClientID+"&redirect_uri="+url.QueryEscape(client.RedirectURI)+"&state=xyz", nil)
	w := httptest.NewRecorder()

	s.handleAuthorize(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, errUnsupportedResponseType, loc.Query().Get("error"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
}

// openAuthorization drives handleAuthorize to obtain a pending authorization ID.
func openAuthorization(t *testing.T, s *Server, store storage.Storage, client storage.Client, responseType, nonce string) string {
	t.Helper()
	q := url.Values{}
	q.Set("response_type", responseType)
	q.Set("client_id", client.ClientID)
	q.Set("redirect_uri", client.RedirectURI)
	q.Set("state", "st1")
	q.Set("scope", "openid")
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	s.handleAuthorize(w, req)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("authorization")
}

func loginAs(t *testing.T, s *Server, authorizationID, username, password string) loginResponse {
	t.Helper()
	body, err := json.Marshal(loginRequest{Authorization: authorizationID, Username: username, Password: password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleLogin(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	reg, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name:     "Alice",
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "code", "")

	loginResp := loginAs(t, s, authzID, "alice@example.com", "correct-horse-battery")
	require.True(t, loginResp.Status)
	require.False(t, loginResp.TotpRequired)

	consentReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/authorize?authorization="+authzID+"&grant=true", nil)
	consentW := httptest.NewRecorder()
	s.handleConsent(consentW, consentReq)
	require.Equal(t, http.StatusFound, consentW.Code)

	loc, err := url.Parse(consentW.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	require.Equal(t, "st1", loc.Query().Get("state"))

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("redirect_uri", client.RedirectURI)
	form.Set("code", code)
	tokReq := httptest.NewRequest(http.MethodPost, "/api/oauth/token", strings.NewReader(form.Encode()))
	tokReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokW := httptest.NewRecorder()
	s.handleToken(tokW, tokReq)
	require.Equal(t, http.StatusOK, tokW.Code)

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(tokW.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.AccessToken)
	require.NotEmpty(t, tok.RefreshToken)
	require.NotEmpty(t, tok.IDToken)
	require.Equal(t, "bearer", tok.TokenType)

	_ = reg
}

func TestHandleLoginRejectsWrongPassword(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")
	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Bob", Email: "bob@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "code", "")
	resp := loginAs(t, s, authzID, "bob@example.com", "wrong-password")
	require.False(t, resp.Status)
	require.False(t, resp.TotpRequired)
}

func TestHandleTokenRejectsBadClientSecret(t *testing.T) {
	s, store, _ := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", "wrong-secret")
	form.Set("redirect_uri", client.RedirectURI)
	form.Set("code", "whatever")
	req := httptest.NewRequest(http.MethodPost, "/api/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.handleToken(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, errUnauthorizedClient, body.Error)
}

func TestFullImplicitGrantFlow(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Kay", Email: "kay@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "token", "")
	loginResp := loginAs(t, s, authzID, "kay@example.com", "correct-horse-battery")
	require.True(t, loginResp.Status)

	consentReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/authorize?authorization="+authzID+"&grant=true", nil)
	consentW := httptest.NewRecorder()
	s.handleConsent(consentW, consentReq)
	require.Equal(t, http.StatusFound, consentW.Code)

	loc, err := url.Parse(consentW.Header().Get("Location"))
	require.NoError(t, err)
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	require.NotEmpty(t, frag.Get("access_token"))
	require.Equal(t, "bearer", frag.Get("token_type"))
	require.Equal(t, "st1", frag.Get("state"))
	require.Empty(t, frag.Get("id_token"))

	cookies := consentW.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "Authorization", cookies[0].Name)
	require.Equal(t, "Bearer "+frag.Get("access_token"), cookies[0].Value)
	require.True(t, cookies[0].Secure)
	require.Equal(t, http.SameSiteNoneMode, cookies[0].SameSite)
	require.Equal(t, "/", cookies[0].Path)
}

func TestFullIDTokenGrantFlow(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Leo", Email: "leo@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "id_token token", "abc-nonce")
	loginResp := loginAs(t, s, authzID, "leo@example.com", "correct-horse-battery")
	require.True(t, loginResp.Status)

	consentReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/authorize?authorization="+authzID+"&grant=true", nil)
	consentW := httptest.NewRecorder()
	s.handleConsent(consentW, consentReq)
	require.Equal(t, http.StatusFound, consentW.Code)

	loc, err := url.Parse(consentW.Header().Get("Location"))
	require.NoError(t, err)
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	require.NotEmpty(t, frag.Get("access_token"))
	require.NotEmpty(t, frag.Get("id_token"))
	require.Equal(t, "bearer", frag.Get("token_type"))

	cookies := consentW.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "Authorization", cookies[0].Name)
	require.Equal(t, "Bearer "+frag.Get("access_token"), cookies[0].Value)
}

func TestHandleAuthorizeRequiresNonceForIDTokenTokenResponseType(t *testing.T) {
	s, store, _ := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	q := url.Values{}
	q.Set("response_type", "id_token token")
	q.Set("client_id", client.ClientID)
	q.Set("redirect_uri", client.RedirectURI)
	q.Set("state", "xyz")
	q.Set("scope", "openid")
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()

	s.handleAuthorize(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, errInvalidRequest, loc.Query().Get("error"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestHandleLoginRejectsScopeExceedingPermitted(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Mara", Email: "mara@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", client.ClientID)
	q.Set("redirect_uri", client.RedirectURI)
	q.Set("state", "st1")
	q.Set("scope", "openid wilford.manage")
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	s.handleAuthorize(w, req)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	authzID := loc.Query().Get("authorization")

	body, err := json.Marshal(loginRequest{Authorization: authzID, Username: "mara@example.com", Password: "correct-horse-battery"})
	require.NoError(t, err)
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(string(body)))
	loginReq.Header.Set("Content-Type", "application/json")
	loginW := httptest.NewRecorder()
	s.handleLogin(loginW, loginReq)

	require.Equal(t, http.StatusForbidden, loginW.Code)
}

func TestHandleTokenRejectsReplayedAuthorizationCode(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")

	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Nora", Email: "nora@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "code", "")
	loginResp := loginAs(t, s, authzID, "nora@example.com", "correct-horse-battery")
	require.True(t, loginResp.Status)

	consentReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/authorize?authorization="+authzID+"&grant=true", nil)
	consentW := httptest.NewRecorder()
	s.handleConsent(consentW, consentReq)
	require.Equal(t, http.StatusFound, consentW.Code)
	loc, err := url.Parse(consentW.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", client.ClientID)
	form.Set("client_secret", client.ClientSecret)
	form.Set("redirect_uri", client.RedirectURI)
	form.Set("code", code)

	firstReq := httptest.NewRequest(http.MethodPost, "/api/oauth/token", strings.NewReader(form.Encode()))
	firstReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	firstW := httptest.NewRecorder()
	s.handleToken(firstW, firstReq)
	require.Equal(t, http.StatusOK, firstW.Code)

	replayReq := httptest.NewRequest(http.MethodPost, "/api/oauth/token", strings.NewReader(form.Encode()))
	replayReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	replayW := httptest.NewRecorder()
	s.handleToken(replayW, replayReq)
	require.Equal(t, http.StatusBadRequest, replayW.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(replayW.Body.Bytes(), &body))
	require.Equal(t, errInvalidGrant, body.Error)
}

func TestHandleDiscoveryAndJWKS(t *testing.T) {
	s, _, _ := testServer(t)

	discReq := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	discW := httptest.NewRecorder()
	s.handleDiscovery(discW, discReq)
	require.Equal(t, http.StatusOK, discW.Code)

	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(discW.Body.Bytes(), &doc))
	require.Equal(t, "https://auth.example.com", doc.Issuer)
	require.Contains(t, doc.ResponseTypesSupported, "code")

	jwksReq := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	jwksW := httptest.NewRecorder()
	s.handleJWKS(jwksW, jwksReq)
	require.Equal(t, http.StatusOK, jwksW.Code)
	require.Contains(t, jwksW.Body.String(), `"kty":"RSA"`)
}
