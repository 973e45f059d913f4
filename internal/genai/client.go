// Package genai talks to the generation service that backs generate steps,
// query embeddings and streamed text.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"content-orchestrator/internal/common/config"
	errs "content-orchestrator/internal/common/errors"
	httpclient "content-orchestrator/internal/common/http"
	"content-orchestrator/internal/common/logger"

	"github.com/google/uuid"
)

// Generator produces a structured payload for one pipeline step.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}

// Embedder turns text into a vector of the configured dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Streamer opens an incremental text generation.
type Streamer interface {
	Stream(ctx context.Context, req GenerationRequest) (*Stream, error)
}

type GenerationRequest struct {
	Step        string                 `json:"step"`
	Instruction string                 `json:"instruction"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Context     string                 `json:"context,omitempty"`
	OutputKeys  []string               `json:"output_keys,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
}

// GenerationResponse carries the service reply. Payload is set when the
// service returned a JSON object under "output"; otherwise Text holds the
// raw completion and callers decide whether it is acceptable.
type GenerationResponse struct {
	Payload    map[string]interface{} `json:"output,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Model      string                 `json:"model,omitempty"`
}

type wireRequest struct {
	Prompt      string                 `json:"prompt"`
	Context     map[string]interface{} `json:"context,omitempty"`
	OutputKeys  []string               `json:"output_keys,omitempty"`
	Format      string                 `json:"response_format,omitempty"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	Stream      bool                   `json:"stream,omitempty"`
}

// Client implements Generator, Embedder and Streamer over HTTP.
type Client struct {
	cfg       config.GenAIConfig
	dimension int
	http      *httpclient.Client
	stream    *httpclient.Client
	log       logger.Logger
}

// NewClient builds a client for cfg. dimension, when positive, is enforced
// on every embedding returned.
func NewClient(cfg config.GenAIConfig, dimension int, log logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("genai: base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GeneratePath == "" {
		cfg.GeneratePath = "/api/ai/generate"
	}
	if cfg.EmbedPath == "" {
		cfg.EmbedPath = "/api/ai/embed"
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/api/ai/generate/stream"
	}

	base := httpclient.NewClient(config.GetDuration(cfg.Timeout)).
		WithHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		base = base.WithHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		cfg:       cfg,
		dimension: dimension,
		http:      base,
		// streams are bounded by the caller's context, not a fixed timeout
		stream: base.WithTimeout(0),
		log:    logger.Component(log, "genai"),
	}, nil
}

func (c *Client) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	body := c.wire(req, false)

	var out GenerationResponse
	if err := c.post(ctx, c.cfg.GeneratePath, body, &out); err != nil {
		return nil, err
	}

	c.log.Debug("generation completed", map[string]interface{}{
		"step":       req.Step,
		"structured": out.Payload != nil,
		"confidence": out.Confidence,
	})
	return &out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.NewEmbeddingFailureError(errors.New("empty text"))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	payload := map[string]interface{}{"input": text}
	if c.dimension > 0 {
		payload["dimension"] = c.dimension
	}
	if err := c.post(ctx, c.cfg.EmbedPath, payload, &out); err != nil {
		return nil, errs.NewEmbeddingFailureError(err)
	}
	if len(out.Embedding) == 0 {
		return nil, errs.NewEmbeddingFailureError(errors.New("service returned an empty embedding"))
	}
	if c.dimension > 0 && len(out.Embedding) != c.dimension {
		return nil, errs.NewEmbeddingFailureError(fmt.Errorf("expected %d dimensions, got %d", c.dimension, len(out.Embedding)))
	}
	return out.Embedding, nil
}

func (c *Client) wire(req GenerationRequest, stream bool) wireRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	w := wireRequest{
		Prompt:      BuildPrompt(req),
		OutputKeys:  req.OutputKeys,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}
	if len(req.Input) > 0 {
		w.Context = req.Input
	}
	if !stream {
		w.Format = "json"
	}
	return w
}

func (c *Client) newRequest(ctx context.Context, path string, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.NewGenerationFailedError("encode request", false, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errs.NewGenerationFailedError("build request", false, err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	req, err := c.newRequest(ctx, path, payload)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.NewGenerationFailedError("decode response", false, err)
	}

	c.log.Debug("genai call finished", map[string]interface{}{
		"path":     path,
		"duration": time.Since(start).String(),
	})
	return nil
}

// classifyTransportError separates caller cancellation (never retried) from
// timeouts and network failures (retried).
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.NewGenerationTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.NewGenerationTimeoutError(err)
	}
	return errs.NewGenerationFailedError("transport", true, err)
}

func classifyStatus(status int, body string) error {
	details := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.NewGenerationTimeoutError(errors.New(details))
	case status == http.StatusTooManyRequests || status >= 500:
		return errs.NewGenerationFailedError(details, true, nil)
	default:
		return errs.NewGenerationFailedError(details, false, nil)
	}
}
