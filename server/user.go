package server

import (
	"net/http"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/storage"
)

type userInfoResponse struct {
	UserID                string `json:"user_id"`
	Name                  string `json:"name"`
	Email                 string `json:"email"`
	IsAdmin               bool   `json:"is_admin"`
	RequirePasswordChange bool   `json:"require_password_change"`
}

// handleUserInfo reports require_password_change as an informational flag
// only; nothing in this endpoint enforces it.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if p.UserID == "" {
		httpError(w, http.StatusBadRequest, "Token is not associated with a user.")
		return
	}
	u, err := s.store.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	requireChange := false
	if creds, err := s.store.GetUserCredentials(r.Context(), p.UserID); err == nil {
		requireChange = creds.ChangeRequired
	}
	writeJSON(w, http.StatusOK, userInfoResponse{
		UserID:                u.UserID,
		Name:                  u.Name,
		Email:                 u.Email,
		IsAdmin:               u.IsAdmin,
		RequirePasswordChange: requireChange,
	})
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	if !s.provider.SupportsRegistration() {
		httpError(w, http.StatusMethodNotAllowed, "Registration is not supported by the configured authorization provider.")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	u, err := s.provider.RegisterUser(r.Context(), authorization.Registration{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Locale:   storage.LocaleEn,
	})
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type registrationRequiredResponse struct {
	Required bool `json:"required"`
}

func (s *Server) handleRegistrationRequired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registrationRequiredResponse{Required: s.provider.SupportsRegistration()})
}

type changePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.provider.SetPassword(r.Context(), p.UserID, req.NewPassword, false); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type changeEmailRequest struct {
	NewEmail string `json:"new_email"`
}

func (s *Server) handleChangeEmail(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req changeEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.userSvc.BeginEmailChange(r.Context(), p.UserID, req.NewEmail); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type changeNameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleChangeName(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req changeNameRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if !s.provider.SupportsNameChange() {
		httpError(w, http.StatusMethodNotAllowed, "Name change is not supported by the configured authorization provider.")
		return
	}
	if err := s.provider.SetName(r.Context(), p.UserID, req.NewName); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	userID := q.Get("user_id")
	address, err := s.userSvc.VerifyEmail(r.Context(), userID, code)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if err := s.userSvc.CommitEmail(r.Context(), userID, address); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type passwordForgottenRequest struct {
	Email string `json:"email"`
}

func (s *Server) handlePasswordForgotten(w http.ResponseWriter, r *http.Request) {
	var req passwordForgottenRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	s.userSvc.ForgottenPassword(r.Context(), req.Email)
	w.WriteHeader(http.StatusOK)
}

type supportsPasswordChangeResponse struct {
	Supported bool `json:"supported"`
}

func (s *Server) handleSupportsPasswordChange(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, supportsPasswordChangeResponse{Supported: s.provider.SupportsPasswordChange()})
}

// --- Permitted scopes ---

type permittedScopesListResponse struct {
	Scopes []string `json:"scopes"`
}

func (s *Server) handlePermittedScopesList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = principalFromContext(r.Context()).UserID
	}
	scopes, err := s.userSvc.ListPermittedScopes(r.Context(), userID)
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, permittedScopesListResponse{Scopes: scopes})
}

type permittedScopeMutationRequest struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

func (s *Server) handlePermittedScopesAdd(w http.ResponseWriter, r *http.Request) {
	var req permittedScopeMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.userSvc.AddPermittedScope(r.Context(), req.UserID, req.Scope); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePermittedScopesRemove(w http.ResponseWriter, r *http.Request) {
	var req permittedScopeMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.userSvc.RemovePermittedScope(r.Context(), req.UserID, req.Scope); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
