// internal/models/chunk.go
package models

import "time"

// ContextChunk is one retrievable fragment of previously generated business
// intelligence. Chunks are immutable once written.
type ContextChunk struct {
	ID         string        `json:"id" db:"id"`
	BusinessID string        `json:"businessId" db:"business_id"`
	Content    string        `json:"content" db:"content"`
	Embedding  []float32     `json:"embedding,omitempty" db:"embedding"`
	Metadata   ChunkMetadata `json:"metadata"`

	// Similarity is the cosine similarity to the query vector. Only set on
	// query results, never persisted.
	Similarity float64 `json:"similarity,omitempty" db:"-"`
}

// ChunkMetadata is stored flat next to the chunk in every backend.
type ChunkMetadata struct {
	SourceAgent string    `json:"sourceAgent" db:"source_agent"`
	Category    string    `json:"category" db:"category"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	Tags        []string  `json:"tags,omitempty" db:"tags"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// HasTag reports whether the chunk carries tag.
func (m ChunkMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
