package server

import (
	"net/http"

	"github.com/mrfriendly-bv/wilford/storage"
)

// --- Client administration (scope wilford.manage) ---

func (s *Server) handleClientsList(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

type addClientRequest struct {
	Name        string `json:"name"`
	RedirectURI string `json:"redirect_uri"`
}

type addClientResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (s *Server) handleClientsAdd(w http.ResponseWriter, r *http.Request) {
	var req addClientRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	client := storage.Client{
		ClientID:     storage.NewClientID(),
		ClientSecret: storage.NewClientSecret(),
		Name:         req.Name,
		RedirectURI:  req.RedirectURI,
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addClientResponse{ClientID: client.ClientID, ClientSecret: client.ClientSecret})
}

type removeClientRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleClientsRemove(w http.ResponseWriter, r *http.Request) {
	var req removeClientRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.store.DeleteClient(r.Context(), req.ClientID); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClientsInternal(w http.ResponseWriter, r *http.Request) {
	client, err := s.store.GetInternalClient(r.Context())
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// --- Constant access tokens (scope wilford.manage) ---

func (s *Server) handleCATList(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListConstantAccessTokens(r.Context())
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type addCATRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCATAdd(w http.ResponseWriter, r *http.Request) {
	var req addCATRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	cat := storage.ConstantAccessToken{Name: req.Name, Token: storage.NewToken()}
	if err := s.store.CreateConstantAccessToken(r.Context(), cat); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

type removeCATRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleCATRemove(w http.ResponseWriter, r *http.Request) {
	var req removeCATRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Malformed request body.")
		return
	}
	if err := s.store.DeleteConstantAccessToken(r.Context(), req.Token); err != nil {
		writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
