// Package server exposes the gateway's OpenAI-compatible HTTP surface.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"llmgate/internal/apierr"
	"llmgate/internal/openai"
	"llmgate/internal/router"
	"llmgate/internal/stream"
)

type Handlers struct {
	router *router.Router
	logger zerolog.Logger
}

func NewHandlers(r *router.Router, logger zerolog.Logger) *Handlers {
	return &Handlers{router: r, logger: logger}
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.chatCompletions)
	mux.HandleFunc("GET /v1/models", h.models)
}

func (h *Handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, err, "malformed request body"))
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, "messages must not be empty"))
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, req)
		return
	}

	resp, err := h.router.ChatCompletion(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("model", req.Model).Msg("chat completion failed")
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamCompletion relays normalized chunks as SSE. The request context
// cancels the backend stream when the client disconnects, so an abandoned
// stream is never drained to completion.
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatRequest) {
	events, err := h.router.StreamChat(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("model", req.Model).Msg("stream setup failed")
		apierr.WriteJSON(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if ev.Err != nil {
			// Terminate the client-visible stream cleanly instead of
			// leaving the connection hanging.
			h.logger.Warn().Err(ev.Err).Str("model", req.Model).Msg("backend stream failed mid-sequence")
			writeSSE(w, flusher, stream.ErrorChunk(stream.NewChunkID(), req.Model))
			break
		}
		if ev.Chunk != nil {
			writeSSE(w, flusher, ev.Chunk)
		}
	}
	for range events {
		// Drain after an early break so the producer can finish and release
		// its session lock.
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handlers) models(w http.ResponseWriter, r *http.Request) {
	models, err := h.router.Models(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	for i := range models {
		if models[i].Object == "" {
			models[i].Object = "model"
		}
	}
	writeJSON(w, http.StatusOK, openai.ModelList{Object: "list", Data: models})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, chunk *openai.Chunk) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
