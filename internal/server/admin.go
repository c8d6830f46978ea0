package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/keypool"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", http.StatusBadRequest))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite
// errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, proxy.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found", http.StatusNotFound))
	case errors.Is(err, proxy.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse("conflict", http.StatusConflict))
	case errors.Is(err, proxy.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error(), http.StatusBadRequest))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error", http.StatusInternalServerError))
	}
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format, use RFC3339", http.StatusBadRequest))
		return nil, false
	}
	return &t, true
}

// --- Keys ---

// keyCreateRequest is the payload for registering an upstream key. ID is
// optional; the pool assigns one when absent.
type keyCreateRequest struct {
	ID                string  `json:"id,omitempty"`
	Secret            string  `json:"secret"`
	Description       string  `json:"description,omitempty"`
	AuthType          string  `json:"auth_type,omitempty"`
	ContextCompletion bool    `json:"context_completion_enabled,omitempty"`
	ExpiresAt         *string `json:"expires_at,omitempty"` // RFC3339
}

// keyResponse decorates a key with its redacted prefix; the secret itself
// never serializes (json:"-").
type keyResponse struct {
	*proxy.UpstreamKey
	SecretPrefix string `json:"secret_prefix"`
}

func keyView(k *proxy.UpstreamKey) keyResponse {
	return keyResponse{UpstreamKey: k, SecretPrefix: k.Redacted()}
}

func (s *server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	statuses := s.deps.Pool.Status()
	if statuses == nil {
		statuses = []keypool.KeyStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": statuses})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AuthType != "" && req.AuthType != proxy.AuthTypeAPIKey && req.AuthType != proxy.AuthTypeOAuth {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid auth_type", http.StatusBadRequest))
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	key := &proxy.UpstreamKey{
		ID:                req.ID,
		Secret:            req.Secret,
		Description:       req.Description,
		AuthType:          req.AuthType,
		ContextCompletion: req.ContextCompletion,
		Enabled:           true,
		ExpiresAt:         expiresAt,
	}
	if err := s.deps.Pool.Add(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/admin/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyView(key))
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Pool.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyView(key))
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Pool.Get(id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		Description       *string `json:"description,omitempty"`
		ContextCompletion *bool   `json:"context_completion_enabled,omitempty"`
		ExpiresAt         *string `json:"expires_at,omitempty"`
		Enabled           *bool   `json:"enabled,omitempty"`
		Reason            string  `json:"reason,omitempty"` // recorded when disabling
	}
	if !decodeJSON(w, r, &update) {
		return
	}

	if update.Description != nil {
		existing.Description = *update.Description
	}
	if update.ContextCompletion != nil {
		existing.ContextCompletion = *update.ContextCompletion
	}
	if update.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, update.ExpiresAt)
		if !ok {
			return
		}
		existing.ExpiresAt = expiresAt
	}
	if err := s.deps.Pool.Update(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}

	if update.Enabled != nil {
		reason := ""
		if !*update.Enabled {
			reason = update.Reason
			if reason == "" {
				reason = "disabled by admin"
			}
		}
		if err := s.deps.Pool.SetEnabled(r.Context(), id, *update.Enabled, reason); err != nil {
			writeAdminError(w, r, err)
			return
		}
		if existing, err = s.deps.Pool.Get(id); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, keyView(existing))
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

// usageKeyReport is one key's slice of the pool/usage snapshot.
type usageKeyReport struct {
	keypool.KeyStatus
	Models map[string]usageModelReport `json:"models,omitempty"`
}

type usageModelReport struct {
	RPMUsed      int `json:"rpm_used"`
	RPDUsed      int `json:"rpd_used"`
	TPMInputUsed int `json:"tpm_input_used"`
	TPDInputUsed int `json:"tpd_input_used"`
}

// handleUsage reports current window consumption per key and model. Models a
// key has not touched today are omitted.
func (s *server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	models := s.deps.Limits.Known()
	statuses := s.deps.Pool.Status()

	keys := make([]usageKeyReport, 0, len(statuses))
	for _, st := range statuses {
		rep := usageKeyReport{KeyStatus: st}
		for _, m := range models {
			snap := s.deps.Usage.Snapshot(st.ID, m)
			if snap.RPDUsed == 0 && snap.TPDInputUsed == 0 {
				continue
			}
			if rep.Models == nil {
				rep.Models = make(map[string]usageModelReport)
			}
			rep.Models[m] = usageModelReport{
				RPMUsed:      snap.RPMUsed,
				RPDUsed:      snap.RPDUsed,
				TPMInputUsed: snap.TPMInputUsed,
				TPDInputUsed: snap.TPDInputUsed,
			}
		}
		keys = append(keys, rep)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pool_size": len(statuses),
		"keys":      keys,
	})
}
