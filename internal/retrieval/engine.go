// Package retrieval assembles the context a pipeline runs with: it embeds a
// query, searches the business's chunks, drops duplicates and low-confidence
// hits, and renders what fits into a budgeted, attributed block of text.
package retrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"content-orchestrator/internal/common/config"
	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/vectorstore"
)

const (
	DefaultTopK     = 5
	DefaultMaxChars = 6000

	separator = "\n\n"
)

// Options tune a single fetch. Zero values fall back to the engine defaults.
type Options struct {
	TopK          int
	MinConfidence float64
	MaxChars      int
	Filter        vectorstore.Filter
}

// Result is the assembled context. Sources lists every chunk that survived
// filtering and deduplication, in rank order, whether or not it fit in
// Content.
type Result struct {
	Content  string                `json:"content"`
	Sources  []models.ContextChunk `json:"sources"`
	Included int                   `json:"included"`
	Degraded bool                  `json:"degraded"`
	Reason   string                `json:"reason,omitempty"`
}

type Engine struct {
	embedder genai.Embedder
	store    vectorstore.Store
	defaults Options
	log      logger.Logger
}

func NewEngine(embedder genai.Embedder, store vectorstore.Store, cfg config.RetrievalConfig, log logger.Logger) *Engine {
	defaults := Options{TopK: cfg.TopK, MaxChars: cfg.MaxChars, MinConfidence: cfg.MinConfidence}
	if defaults.TopK <= 0 {
		defaults.TopK = DefaultTopK
	}
	if defaults.MaxChars <= 0 {
		defaults.MaxChars = DefaultMaxChars
	}
	return &Engine{
		embedder: embedder,
		store:    store,
		defaults: defaults,
		log:      logger.Component(log, "retrieval"),
	}
}

// Fetch never fails: embedding and store errors, cancellation included,
// yield an empty degraded result so the caller can carry on with less
// context.
func (e *Engine) Fetch(ctx context.Context, query, businessID string, opts Options) *Result {
	opts = e.withDefaults(opts)
	log := e.log.With(map[string]interface{}{"businessId": businessID})

	if strings.TrimSpace(query) == "" {
		metrics.RetrievalTotal.WithLabelValues("skipped").Inc()
		return &Result{Sources: []models.ContextChunk{}, Degraded: true, Reason: "empty query"}
	}

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		if !errors.Is(err, errs.ErrEmbeddingFailure) {
			err = errs.NewEmbeddingFailureError(err)
		}
		return e.degraded(log, "embedding failed", err)
	}

	filter := opts.Filter
	if opts.MinConfidence > filter.MinConfidence {
		filter.MinConfidence = opts.MinConfidence
	}
	chunks, err := e.store.Query(ctx, businessID, embedding, opts.TopK, filter)
	if err != nil {
		return e.degraded(log, "vector query failed", err)
	}

	survivors := dedupe(dropBelow(chunks, opts.MinConfidence))
	content, included := assemble(survivors, opts.MaxChars)

	outcome := "ok"
	if len(survivors) == 0 {
		outcome = "empty"
	}
	metrics.RetrievalTotal.WithLabelValues(outcome).Inc()
	log.Debug("context retrieved", map[string]interface{}{
		"candidates": len(chunks),
		"sources":    len(survivors),
		"included":   included,
		"chars":      len(content),
	})

	return &Result{Content: content, Sources: survivors, Included: included}
}

func (e *Engine) degraded(log logger.Logger, reason string, err error) *Result {
	metrics.RetrievalTotal.WithLabelValues("degraded").Inc()
	log.Warn("retrieval degraded", map[string]interface{}{
		"reason": reason,
		"code":   string(errs.CodeOf(err)),
		"error":  err.Error(),
	})
	return &Result{
		Sources:  []models.ContextChunk{},
		Degraded: true,
		Reason:   fmt.Sprintf("%s: %s", reason, errs.Describe(err)),
	}
}

func (e *Engine) withDefaults(opts Options) Options {
	if opts.TopK <= 0 {
		opts.TopK = e.defaults.TopK
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = e.defaults.MaxChars
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = e.defaults.MinConfidence
	}
	return opts
}

// Index embeds any chunk that arrives without a vector and writes the batch.
func (e *Engine) Index(ctx context.Context, chunks []models.ContextChunk) error {
	for i := range chunks {
		if len(chunks[i].Embedding) > 0 {
			continue
		}
		v, err := e.embedder.Embed(ctx, chunks[i].Content)
		if err != nil {
			return err
		}
		chunks[i].Embedding = v
	}
	return e.store.Upsert(ctx, chunks)
}

func dropBelow(chunks []models.ContextChunk, min float64) []models.ContextChunk {
	out := make([]models.ContextChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Metadata.Confidence >= min {
			out = append(out, c)
		}
	}
	return out
}

// dedupe collapses chunks with identical content. The copy with the highest
// confidence wins and takes the rank position of the first duplicate seen.
func dedupe(chunks []models.ContextChunk) []models.ContextChunk {
	out := make([]models.ContextChunk, 0, len(chunks))
	index := make(map[[sha256.Size]byte]int, len(chunks))
	for _, c := range chunks {
		key := sha256.Sum256([]byte(strings.TrimSpace(c.Content)))
		if pos, seen := index[key]; seen {
			if c.Metadata.Confidence > out[pos].Metadata.Confidence {
				out[pos] = c
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

// Attribution renders the provenance line that precedes a chunk.
func Attribution(c models.ContextChunk) string {
	agent := c.Metadata.SourceAgent
	if agent == "" {
		agent = "unknown"
	}
	category := c.Metadata.Category
	if category == "" {
		category = "general"
	}
	return fmt.Sprintf("[source: %s/%s id=%s confidence=%s]",
		agent, category, c.ID, strconv.FormatFloat(c.Metadata.Confidence, 'f', 2, 64))
}

// assemble concatenates attributed chunks in order until maxChars runes are
// used. The chunk that crosses the budget is cut, not dropped.
func assemble(chunks []models.ContextChunk, maxChars int) (string, int) {
	var b strings.Builder
	remaining := maxChars
	included := 0

	for _, c := range chunks {
		block := Attribution(c) + "\n" + strings.TrimSpace(c.Content)
		if included > 0 {
			block = separator + block
		}
		runes := []rune(block)
		if len(runes) > remaining {
			runes = runes[:remaining]
		}
		b.WriteString(string(runes))
		remaining -= len(runes)
		included++
		if remaining <= 0 {
			break
		}
	}
	return b.String(), included
}
