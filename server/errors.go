package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/mrfriendly-bv/wilford/apierror"
	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/storage"
)

// redirectedAuthErr carries an OAuth error that must become a 302 redirect
// rather than a bare HTTP error.
type redirectedAuthErr struct {
	State       string
	RedirectURI string
	Type        string
}

func (e *redirectedAuthErr) Error() string { return e.Type }

func (e *redirectedAuthErr) writeTo(w http.ResponseWriter, r *http.Request) {
	v := url.Values{}
	if e.State != "" {
		v.Set("state", e.State)
	}
	v.Set("error", e.Type)
	redirectURI := e.RedirectURI
	if strings.Contains(redirectURI, "?") {
		redirectURI = redirectURI + "&" + v.Encode()
	} else {
		redirectURI = redirectURI + "?" + v.Encode()
	}
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

const (
	errInvalidRequest          = "invalid_request"
	errUnauthorizedClient      = "unauthorized_client"
	errAccessDenied            = "access_denied"
	errUnsupportedResponseType = "unsupported_response_type"
	errInvalidScope            = "invalid_scope"
	errServerError             = "server_error"
	errTemporarilyUnavailable  = "temporarily_unavailable"
	errInvalidGrant            = "invalid_grant"
)

func tokenErr(w http.ResponseWriter, typ string, statusCode int) {
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{typ})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeAPIErr(w http.ResponseWriter, err error) {
	status, msg := statusAndMessage(err)
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

// statusAndMessage maps storage and authorization-provider errors into a
// fixed HTTP taxonomy, widening unrecognized errors to a generic 500 so the
// backend message never leaks to the client.
func statusAndMessage(err error) (int, string) {
	if apiErr, ok := apierror.As(err); ok {
		return apiErr.Status(), apiErr.ClientMessage()
	}

	var authErr *authorization.Error
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case authorization.InvalidCredentials:
			return http.StatusUnauthorized, "Invalid credentials."
		case authorization.TotpNeeded:
			return http.StatusOK, "totp_needed"
		case authorization.UnsupportedOperation:
			return http.StatusMethodNotAllowed, "Not supported by the configured authorization provider."
		case authorization.AlreadyExists:
			return http.StatusBadRequest, "Already exists."
		default:
			return http.StatusInternalServerError, "Internal server error."
		}
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "Not found."
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusBadRequest, "Already exists."
	case errors.Is(err, storage.ErrAlreadyAuthorized):
		return http.StatusBadRequest, "Already authorized."
	case errors.Is(err, storage.ErrNoEmail):
		return http.StatusBadRequest, "No verified email on file."
	default:
		return http.StatusInternalServerError, "Internal server error."
	}
}
