package vectorstore

import (
	"context"
	"sync"
	"time"

	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/models"
)

// MemoryStore is a brute-force in-process store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[string]map[string]models.ContextChunk // businessID -> id -> chunk
	now       func() time.Time
	log       logger.Logger
}

func NewMemoryStore(dimension int, log logger.Logger) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		chunks:    make(map[string]map[string]models.ContextChunk),
		now:       time.Now,
		log:       logger.Component(log, "vectorstore.memory"),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Upsert(ctx context.Context, chunks []models.ContextChunk) error {
	prepared, err := prepareChunks(chunks, s.dimension, s.now())
	if err != nil {
		metrics.VectorStoreOps.WithLabelValues(s.Name(), "upsert", "error").Inc()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range prepared {
		c.Embedding = append([]float32(nil), c.Embedding...)
		owned, ok := s.chunks[c.BusinessID]
		if !ok {
			owned = make(map[string]models.ContextChunk)
			s.chunks[c.BusinessID] = owned
		}
		owned[c.ID] = c
	}
	metrics.VectorStoreOps.WithLabelValues(s.Name(), "upsert", "ok").Inc()
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, businessID string, embedding []float32, topK int, filter Filter) ([]models.ContextChunk, error) {
	if err := checkQuery(businessID, embedding, s.dimension); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	owned := s.chunks[businessID]
	results := make([]models.ContextChunk, 0, len(owned))
	for _, c := range owned {
		if !filter.Matches(c.Metadata) {
			continue
		}
		c.Similarity = CosineSimilarity(embedding, c.Embedding)
		c.Embedding = nil
		results = append(results, c)
	}
	s.mu.RUnlock()

	metrics.VectorStoreOps.WithLabelValues(s.Name(), "query", "ok").Inc()
	return ownedBy(businessID, results, ClampTopK(topK)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, businessID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.chunks[businessID]
	for _, id := range ids {
		delete(owned, id)
	}
	metrics.VectorStoreOps.WithLabelValues(s.Name(), "delete", "ok").Inc()
	return nil
}

// Count returns how many chunks businessID owns.
func (s *MemoryStore) Count(businessID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[businessID])
}

func (s *MemoryStore) Close() error { return nil }
