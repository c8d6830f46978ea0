package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
)

// handleListCaches returns the caller's live cache handles. Handles belonging
// to other credentials are invisible here by construction.
func (s *server) handleListCaches(w http.ResponseWriter, r *http.Request) {
	identity := proxy.IdentityFromContext(r.Context())
	handles, err := s.deps.Dispatcher.ListCaches(r.Context(), identity.CredentialID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if handles == nil {
		handles = []*cachemeta.Handle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": handles})
}

// handleDeleteCache expires one of the caller's handles. A handle owned by a
// different credential reads as not found; existence is never disclosed
// across callers.
func (s *server) handleDeleteCache(w http.ResponseWriter, r *http.Request) {
	identity := proxy.IdentityFromContext(r.Context())
	if err := s.deps.Dispatcher.DeleteCache(r.Context(), identity.CredentialID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
