package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/storage"
)

func TestClientAdministrationRequiresManageScope(t *testing.T) {
	s, store, _ := testServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	body, _ := json.Marshal(addClientRequest{Name: "n", RedirectURI: "https://app.example.com/cb"})
	resp, err := http.Post(ts.URL+"/api/v1/clients/add", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, store.CreateConstantAccessToken(context.Background(), storage.ConstantAccessToken{Name: "cat1", Token: "cat-token-1"}))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/clients/add", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer cat-token-1")
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var added addClientResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&added))
	require.NotEmpty(t, added.ClientID)
	require.NotEmpty(t, added.ClientSecret)
}

func TestClientAdministrationRejectsTokenWithoutManageScope(t *testing.T) {
	s, store, provider := testServer(t)
	client := registerClient(t, store, "https://app.example.com/callback")
	_, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Eve", Email: "eve@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	authzID := openAuthorization(t, s, store, client, "token", "")
	loginResp := loginAs(t, s, authzID, "eve@example.com", "correct-horse-battery")
	require.True(t, loginResp.Status)

	consentReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/authorize?authorization="+authzID+"&grant=true", nil)
	consentW := httptest.NewRecorder()
	s.handleConsent(consentW, consentReq)
	require.Equal(t, http.StatusFound, consentW.Code)

	loc, err := url.Parse(consentW.Header().Get("Location"))
	require.NoError(t, err)
	fragment, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	accessToken := fragment.Get("access_token")
	require.NotEmpty(t, accessToken)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/clients/list", nil)
	listReq.Header.Set("Authorization", "Bearer "+accessToken)
	listW := httptest.NewRecorder()
	s.Router().ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusForbidden, listW.Code)
}

func TestCATAddAndRemove(t *testing.T) {
	s, store, _ := testServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateConstantAccessToken(ctx, storage.ConstantAccessToken{Name: "seed", Token: "seed-token"}))

	body, _ := json.Marshal(addCATRequest{Name: "deploy-bot"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cat/add", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer seed-token")
	w := httptest.NewRecorder()
	s.requireScope(http.HandlerFunc(s.handleCATAdd)).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var cat storage.ConstantAccessToken
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cat))
	require.Equal(t, "deploy-bot", cat.Name)

	removeBody, _ := json.Marshal(removeCATRequest{Token: cat.Token})
	removeReq := httptest.NewRequest(http.MethodPost, "/api/v1/cat/remove", bytes.NewReader(removeBody))
	removeReq.Header.Set("Authorization", "Bearer seed-token")
	removeW := httptest.NewRecorder()
	s.requireScope(http.HandlerFunc(s.handleCATRemove)).ServeHTTP(removeW, removeReq)
	require.Equal(t, http.StatusOK, removeW.Code)

	_, err := store.GetConstantAccessTokenByToken(ctx, cat.Token)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
