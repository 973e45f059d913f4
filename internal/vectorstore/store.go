// Package vectorstore provides the similarity-search backends that hold
// context chunks. Every backend filters by business first, ranks by cosine
// similarity with ties going to the newest chunk, and clamps topK.
package vectorstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/models"

	"github.com/google/uuid"
)

// MaxTopK bounds the number of chunks any query may return.
const MaxTopK = 50

// Store is the uniform capability over a similarity-search backend.
type Store interface {
	// Upsert validates the whole batch before writing anything.
	Upsert(ctx context.Context, chunks []models.ContextChunk) error
	// Query returns at most topK chunks owned by businessID, most similar first.
	Query(ctx context.Context, businessID string, embedding []float32, topK int, filter Filter) ([]models.ContextChunk, error)
	// Delete removes ids owned by businessID. Ids owned by others are ignored.
	Delete(ctx context.Context, businessID string, ids []string) error
	Name() string
	Close() error
}

// Filter narrows a query by chunk metadata. Empty fields match everything.
type Filter struct {
	Categories    []string `json:"categories,omitempty"`
	SourceAgents  []string `json:"sourceAgents,omitempty"`
	Tags          []string `json:"tags,omitempty"` // any of
	MinConfidence float64  `json:"minConfidence,omitempty"`
}

// Matches applies the filter to chunk metadata.
func (f Filter) Matches(m models.ChunkMetadata) bool {
	if m.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Categories) > 0 && !contains(f.Categories, m.Category) {
		return false
	}
	if len(f.SourceAgents) > 0 && !contains(f.SourceAgents, m.SourceAgent) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, tag := range f.Tags {
			if m.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ClampTopK bounds k to [1, MaxTopK].
func ClampTopK(k int) int {
	switch {
	case k < 1:
		return 1
	case k > MaxTopK:
		return MaxTopK
	default:
		return k
	}
}

// Rank orders chunks by similarity descending, newest first on ties. It is
// shared by every backend so that they order identically.
func Rank(chunks []models.ContextChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Similarity != chunks[j].Similarity {
			return chunks[i].Similarity > chunks[j].Similarity
		}
		return chunks[i].Metadata.CreatedAt.After(chunks[j].Metadata.CreatedAt)
	})
}

// ownedBy drops any chunk not owned by businessID and returns the rest
// ranked and cut to topK.
func ownedBy(businessID string, chunks []models.ContextChunk, topK int) []models.ContextChunk {
	out := chunks[:0]
	for _, c := range chunks {
		if c.BusinessID == businessID {
			out = append(out, c)
		}
	}
	Rank(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// prepareChunks validates a batch against the store dimension and fills in
// missing ids and timestamps. Nothing is returned unless every chunk passes.
func prepareChunks(chunks []models.ContextChunk, dimension int, now time.Time) ([]models.ContextChunk, error) {
	out := make([]models.ContextChunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if strings.TrimSpace(c.BusinessID) == "" {
			return nil, errs.NewInvalidChunkError(c.ID, "businessId is required")
		}
		if strings.TrimSpace(c.Content) == "" {
			return nil, errs.NewInvalidChunkError(c.ID, "content is required")
		}
		if len(c.Embedding) != dimension {
			return nil, errs.NewDimensionMismatchError(c.ID, dimension, len(c.Embedding))
		}
		if c.Metadata.Confidence < 0 || c.Metadata.Confidence > 1 {
			return nil, errs.NewInvalidChunkError(c.ID, "confidence must be within [0,1]")
		}
		if c.Metadata.CreatedAt.IsZero() {
			c.Metadata.CreatedAt = now
		}
		c.Metadata.CreatedAt = c.Metadata.CreatedAt.UTC()
		c.Similarity = 0
		out[i] = c
	}
	return out, nil
}

// checkQuery validates query arguments shared by every backend.
func checkQuery(businessID string, embedding []float32, dimension int) error {
	if strings.TrimSpace(businessID) == "" {
		return errs.NewInvalidRequestError("businessId is required for vector queries")
	}
	if len(embedding) != dimension {
		return errs.NewDimensionMismatchError("(query)", dimension, len(embedding))
	}
	return nil
}
