package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/authorization/local"
	"github.com/mrfriendly-bv/wilford/storage"
	"github.com/mrfriendly-bv/wilford/storage/memory"
	"github.com/mrfriendly-bv/wilford/user"
)

func TestHandleUserRegisterAndInfo(t *testing.T) {
	s, _, _ := testServer(t)

	body, _ := json.Marshal(registerRequest{Name: "Fay", Email: "fay@example.com", Password: "correct-horse-battery"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleUserRegister(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	requiredReq := httptest.NewRequest(http.MethodGet, "/api/v1/user/registration-required", nil)
	requiredW := httptest.NewRecorder()
	s.handleRegistrationRequired(requiredW, requiredReq)
	require.Equal(t, http.StatusOK, requiredW.Code)

	var required registrationRequiredResponse
	require.NoError(t, json.Unmarshal(requiredW.Body.Bytes(), &required))
	require.True(t, required.Required)
}

func TestHandleUserInfoRequiresUserPrincipal(t *testing.T) {
	s, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/user/info", nil)
	ctx := context.WithValue(req.Context(), ctxKeyAccessToken, bearerPrincipal{Scopes: []string{"wilford.manage"}})
	w := httptest.NewRecorder()
	s.handleUserInfo(w, req.WithContext(ctx))

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUserInfoReturnsProfile(t *testing.T) {
	s, _, provider := testServer(t)
	reg, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Gabe", Email: "gabe@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/user/info", nil)
	ctx := context.WithValue(req.Context(), ctxKeyAccessToken, bearerPrincipal{UserID: reg.UserID})
	w := httptest.NewRecorder()
	s.handleUserInfo(w, req.WithContext(ctx))
	require.Equal(t, http.StatusOK, w.Code)

	var info userInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, "gabe@example.com", info.Email)
	require.Equal(t, "Gabe", info.Name)
}

func TestHandleChangePasswordUpdatesCredentials(t *testing.T) {
	s, _, provider := testServer(t)
	reg, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Hank", Email: "hank@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	body, _ := json.Marshal(changePasswordRequest{NewPassword: "new-password-123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/change-password", bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), ctxKeyAccessToken, bearerPrincipal{UserID: reg.UserID})
	w := httptest.NewRecorder()
	s.handleChangePassword(w, req.WithContext(ctx))
	require.Equal(t, http.StatusOK, w.Code)

	_, err = provider.ValidateCredentials(context.Background(), authorization.Credentials{
		Username: "hank@example.com", Password: "new-password-123",
	})
	require.NoError(t, err)
}

type capturingMailer struct {
	links []string
}

func (m *capturingMailer) SendVerificationEmail(to, name, link string, locale storage.Locale) error {
	m.links = append(m.links, link)
	return nil
}
func (m *capturingMailer) SendEmailChangedNotice(to, name string, locale storage.Locale) error {
	return nil
}
func (m *capturingMailer) SendTemporaryPassword(to, name, tempPassword string, locale storage.Locale) error {
	return nil
}

func TestHandleVerifyEmailCommitsNewAddress(t *testing.T) {
	store := memory.New(time.Now)
	provider := local.New(store)
	mailer := &capturingMailer{}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	userSvc := user.NewService(store, provider, mailer, "https://auth.example.com/verify", logger)
	endpoints := Endpoints{UILoginPath: "https://auth.example.com/login"}
	s := New(store, provider, testSigner(t), mailer, userSvc, "https://auth.example.com", endpoints, logger)

	reg, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Ivy", Email: "ivy@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	changeBody, _ := json.Marshal(changeEmailRequest{NewEmail: "ivy-new@example.com"})
	changeReq := httptest.NewRequest(http.MethodPost, "/api/v1/user/change-email", bytes.NewReader(changeBody))
	changeCtx := context.WithValue(changeReq.Context(), ctxKeyAccessToken, bearerPrincipal{UserID: reg.UserID})
	changeW := httptest.NewRecorder()
	s.handleChangeEmail(changeW, changeReq.WithContext(changeCtx))
	require.Equal(t, http.StatusOK, changeW.Code)
	require.Len(t, mailer.links, 1)

	linkURL, err := url.Parse(mailer.links[0])
	require.NoError(t, err)
	code := linkURL.Query().Get("code")
	require.NotEmpty(t, code)

	verifyReq := httptest.NewRequest(http.MethodPost, "/api/v1/user/verify-email?code="+code+"&user_id="+reg.UserID, nil)
	verifyCtx := context.WithValue(verifyReq.Context(), ctxKeyAccessToken, bearerPrincipal{UserID: reg.UserID})
	verifyW := httptest.NewRecorder()
	s.handleVerifyEmail(verifyW, verifyReq.WithContext(verifyCtx))
	require.Equal(t, http.StatusOK, verifyW.Code)

	u, err := store.GetUser(context.Background(), reg.UserID)
	require.NoError(t, err)
	require.Equal(t, "ivy-new@example.com", u.Email)
}

func TestHandlePasswordForgottenAlwaysReturnsOK(t *testing.T) {
	s, _, _ := testServer(t)

	body, _ := json.Marshal(passwordForgottenRequest{Email: "nobody@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/password-forgotten", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handlePasswordForgotten(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPermittedScopesRoundTrip(t *testing.T) {
	s, _, provider := testServer(t)
	reg, err := provider.RegisterUser(context.Background(), authorization.Registration{
		Name: "Jill", Email: "jill@example.com", Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	addBody, _ := json.Marshal(permittedScopeMutationRequest{UserID: reg.UserID, Scope: "wilford.manage"})
	addReq := httptest.NewRequest(http.MethodPost, "/api/v1/user/permitted-scopes/add", bytes.NewReader(addBody))
	addW := httptest.NewRecorder()
	s.handlePermittedScopesAdd(addW, addReq)
	require.Equal(t, http.StatusOK, addW.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/user/permitted-scopes/list?user_id="+reg.UserID, nil)
	listW := httptest.NewRecorder()
	s.handlePermittedScopesList(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var list permittedScopesListResponse
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &list))
	require.Contains(t, list.Scopes, "wilford.manage")
}
