package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/keymux"
	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

type server struct {
	client *keymux.Client
	logger *slog.Logger
}

func newRouter(client *keymux.Client, proxyKey string, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	s := &server{client: client, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	auth := func(h http.HandlerFunc) http.Handler {
		return requireBearer(proxyKey, h)
	}
	mux.Handle("POST /v1/chat/completions", auth(s.handleChatCompletions))
	mux.Handle("POST /v1/embeddings", auth(s.handleEmbeddings))
	mux.Handle("GET /v1/models", auth(s.handleModels))
	mux.Handle("GET /v1/providers", auth(s.handleProviders))
	mux.Handle("POST /v1/token-count", auth(s.handleTokenCount))

	return logRequests(logger, mux)
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "keymux proxy is running"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, &req)
		return
	}

	resp, err := s.client.ChatCompletion(r.Context(), &req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	stream, err := s.client.ChatCompletionStream(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			// The client already holds a 200; deliver the failure as a
			// terminal error event so it is not left hanging.
			payload, _ := json.Marshal(map[string]any{"error": map[string]any{
				"message": err.Error(),
				"type":    "proxy_error",
			}})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		payload, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp, err := s.client.Embedding(r.Context(), &req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.client.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("grouped") == "true" {
		grouped := make(map[string][]string)
		for _, m := range models {
			grouped[m.Provider] = append(grouped[m.Provider], m.ID)
		}
		writeJSON(w, http.StatusOK, grouped)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Providers())
}

func (s *server) handleTokenCount(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	count, err := s.client.TokenCount(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"token_count": count})
}

// writeDispatchError maps engine errors onto the proxy's HTTP contract:
// fatal provider errors keep their status, exhaustion reads as 503.
func (s *server) writeDispatchError(w http.ResponseWriter, err error) {
	var llmErr *llmerrors.LLMError
	switch {
	case errors.As(err, &llmErr):
		writeJSON(w, llmErr.HTTPStatusCode(), map[string]any{"error": llmErr})
	case errors.Is(err, keymux.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, "no provider capacity available, try again later")
	case errors.Is(err, keymux.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "proxy is shutting down")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"message": detail,
		"code":    status,
	}})
}
