package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"content-orchestrator/internal/common/database"
	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type executor interface {
	Execute(ctx context.Context, workflowName string, req models.ExecutionRequest) *models.ExecutionResult
	Invalidate(ctx context.Context, fingerprint string) error
}

type catalog interface {
	Names() []string
	Definition(name string) (models.WorkflowDefinition, error)
}

type server struct {
	exec           executor
	workflows      catalog
	streamer       genai.Streamer
	backends       []database.Pinger
	executeTimeout time.Duration
	log            logger.Logger
}

type workflowSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Steps       []string `json:"steps"`
}

type streamRequest struct {
	Instruction string                 `json:"instruction"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Context     string                 `json:"context,omitempty"`
	MaxTokens   int                    `json:"maxTokens,omitempty"`
}

type streamLine struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows/{name}/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("DELETE /v1/cache/{fingerprint}", s.handleInvalidate)
	mux.HandleFunc("POST /v1/generate/stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.workflows.Definition(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req models.ExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errs.NewInvalidRequestError(err.Error()))
		return
	}

	ctx := r.Context()
	if s.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executeTimeout)
		defer cancel()
	}

	result := s.exec.Execute(ctx, name, req)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	out := make([]workflowSummary, 0)
	for _, name := range s.workflows.Names() {
		def, err := s.workflows.Definition(name)
		if err != nil {
			continue
		}
		steps := make([]string, 0, len(def.Steps))
		for _, st := range def.Steps {
			steps = append(steps, st.Name)
		}
		out = append(out, workflowSummary{
			Name:        def.Name,
			Description: def.Description,
			Inputs:      def.Inputs,
			Steps:       steps,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")
	if err := s.exec.Invalidate(r.Context(), fp); err != nil {
		s.log.Warn("cache invalidation failed", map[string]interface{}{
			"fingerprint": fp,
			"error":       err.Error(),
		})
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream relays a streaming generation as NDJSON, one fragment per
// line, ending with {"done":true} or {"error":...}.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("streaming is not configured"))
		return
	}
	var body streamRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, errs.NewInvalidRequestError(err.Error()))
		return
	}
	if body.Instruction == "" {
		writeError(w, http.StatusBadRequest, errs.NewInvalidRequestError("instruction is required"))
		return
	}

	ctx := r.Context()
	stream, err := s.streamer.Stream(ctx, genai.GenerationRequest{
		Step:        "stream",
		Instruction: body.Instruction,
		Input:       body.Input,
		Context:     body.Context,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		part, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = enc.Encode(streamLine{Done: true})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				_ = enc.Encode(streamLine{Error: errs.Describe(err)})
			}
			s.log.Warn("stream ended early", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := enc.Encode(streamLine{Delta: part}); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := database.CheckAll(r.Context(), 2*time.Second, s.backends...)
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// decodeBody reads one JSON object. An empty body decodes to the zero value.
func decodeBody(r *http.Request, v interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"code":  string(errs.CodeOf(err)),
		"error": errs.Describe(err),
	})
}
