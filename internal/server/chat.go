package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	proxy "github.com/eugener/palantir/internal"
)

// maxRequestBody bounds inbound request bodies. Native requests may carry
// inline base64 images, so the cap is generous.
const maxRequestBody = 32 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req proxy.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid request body: "+err.Error(), http.StatusBadRequest))
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.Dispatcher.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream pipes translated chunks to the client as SSE.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *proxy.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse("streaming unsupported", http.StatusInternalServerError))
		return
	}

	var opened bool
	err := s.deps.Dispatcher.ChatCompletionStream(r.Context(), req, lazySink(w, flusher, &opened))
	switch {
	case err == nil:
		if !opened {
			writeSSEHeaders(w)
		}
		writeSSEDone(w)
		flusher.Flush()
	case !opened:
		writeError(w, r, err)
	case errors.Is(err, context.Canceled):
		// Client went away mid-stream; nothing left to tell it.
	default:
		// The status line is already on the wire. Surface the failure as a
		// final error frame and close without [DONE] so the client sees the
		// truncation.
		slog.LogAttrs(r.Context(), slog.LevelWarn, "stream aborted",
			slog.String("error", err.Error()),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
		)
		frame, _ := json.Marshal(errorResponse(err.Error(), errorStatus(err)))
		writeSSEData(w, frame)
		flusher.Flush()
	}
}

// modelEntry is one row of the OpenAI-shaped model list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Dispatcher.Models(r.Context())
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, modelEntry{ID: id, Object: "model", OwnedBy: "google"})
	}
	writeJSON(w, http.StatusOK, list)
}
