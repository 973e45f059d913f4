package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticOptions configure the managed-index store.
type ElasticOptions struct {
	Index     string
	Dimension int
	Retry     RetryPolicy
	// Refresh is passed to bulk writes; "wait_for" makes upserts visible to
	// the next query.
	Refresh string
}

// ElasticStore keeps chunks in an Elasticsearch index with a dense_vector
// field and answers queries with approximate kNN search. Documents are keyed
// by businessID:id so two tenants never overwrite each other.
type ElasticStore struct {
	client    *elasticsearch.Client
	index     string
	dimension int
	retry     RetryPolicy
	refresh   string
	now       func() time.Time
	log       logger.Logger
}

type esDocument struct {
	ID          string    `json:"id"`
	BusinessID  string    `json:"business_id"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding,omitempty"`
	SourceAgent string    `json:"source_agent"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string     `json:"_id"`
			Score  float64    `json:"_score"`
			Source esDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

func NewElasticStore(client *elasticsearch.Client, opts ElasticOptions, log logger.Logger) (*ElasticStore, error) {
	if client == nil {
		return nil, fmt.Errorf("elastic store: client is required")
	}
	if opts.Index == "" {
		opts.Index = "context-chunks"
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("elastic store: dimension must be positive")
	}
	if opts.Refresh == "" {
		opts.Refresh = "wait_for"
	}

	return &ElasticStore{
		client:    client,
		index:     opts.Index,
		dimension: opts.Dimension,
		retry:     opts.Retry,
		refresh:   opts.Refresh,
		now:       time.Now,
		log:       logger.Component(log, "vectorstore.elastic"),
	}, nil
}

func (s *ElasticStore) Name() string { return "elasticsearch" }

func documentID(businessID, id string) string { return businessID + ":" + id }

// EnsureIndex creates the index with its vector mapping when it is missing.
func (s *ElasticStore) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.client)
	if err != nil {
		return classifyESTransportError(err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"id":           map[string]interface{}{"type": "keyword"},
				"business_id":  map[string]interface{}{"type": "keyword"},
				"content":      map[string]interface{}{"type": "text"},
				"source_agent": map[string]interface{}{"type": "keyword"},
				"category":     map[string]interface{}{"type": "keyword"},
				"confidence":   map[string]interface{}{"type": "float"},
				"tags":         map[string]interface{}{"type": "keyword"},
				"created_at":   map[string]interface{}{"type": "date"},
				"embedding": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       s.dimension,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
	body, _ := json.Marshal(mapping)

	res, err := esapi.IndicesCreateRequest{Index: s.index, Body: bytes.NewReader(body)}.Do(ctx, s.client)
	if err != nil {
		return classifyESTransportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return nil
		}
		return classifyESStatus(res.StatusCode, string(raw))
	}

	s.log.Info("vector index created", map[string]interface{}{"index": s.index, "dimension": s.dimension})
	return nil
}

// Upsert writes the batch with one bulk request. The batch is validated up
// front; a bulk request that partially fails is reported as a failure and
// retried whole, which is safe because every write is an idempotent index.
func (s *ElasticStore) Upsert(ctx context.Context, chunks []models.ContextChunk) error {
	prepared, err := prepareChunks(chunks, s.dimension, s.now())
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range prepared {
		meta := map[string]interface{}{
			"index": map[string]interface{}{"_index": s.index, "_id": documentID(c.BusinessID, c.ID)},
		}
		tags := c.Metadata.Tags
		if tags == nil {
			tags = []string{}
		}
		doc := esDocument{
			ID:          c.ID,
			BusinessID:  c.BusinessID,
			Content:     c.Content,
			Embedding:   c.Embedding,
			SourceAgent: c.Metadata.SourceAgent,
			Category:    c.Metadata.Category,
			Confidence:  c.Metadata.Confidence,
			Tags:        tags,
			CreatedAt:   c.Metadata.CreatedAt,
		}
		if err := enc.Encode(meta); err != nil {
			return errs.NewInvalidChunkError(c.ID, err.Error())
		}
		if err := enc.Encode(doc); err != nil {
			return errs.NewInvalidChunkError(c.ID, err.Error())
		}
	}
	payload := buf.Bytes()

	return withRetry(ctx, s.retry, s.log, s.Name(), "upsert", func() error {
		res, err := esapi.BulkRequest{
			Index:   s.index,
			Body:    bytes.NewReader(payload),
			Refresh: s.refresh,
		}.Do(ctx, s.client)
		if err != nil {
			return classifyESTransportError(err)
		}
		defer res.Body.Close()
		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			return classifyESStatus(res.StatusCode, string(raw))
		}

		var bulk esBulkResponse
		if err := json.NewDecoder(res.Body).Decode(&bulk); err != nil {
			return errs.NewBackendRequestFailedError(s.Name(), "decode bulk response: "+err.Error())
		}
		if !bulk.Errors {
			return nil
		}
		worst := 0
		var detail string
		for _, item := range bulk.Items {
			for _, result := range item {
				if result.Status >= 300 && result.Status > worst {
					worst = result.Status
					detail = fmt.Sprintf("%s: %s", result.ID, string(result.Error))
				}
			}
		}
		return classifyESStatus(worst, "bulk item failed "+detail)
	})
}

func (s *ElasticStore) Query(ctx context.Context, businessID string, embedding []float32, topK int, filter Filter) ([]models.ContextChunk, error) {
	if err := checkQuery(businessID, embedding, s.dimension); err != nil {
		return nil, err
	}
	topK = ClampTopK(topK)

	filters := []interface{}{
		map[string]interface{}{"term": map[string]interface{}{"business_id": businessID}},
	}
	if len(filter.Categories) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"category": filter.Categories}})
	}
	if len(filter.SourceAgents) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"source_agent": filter.SourceAgents}})
	}
	if len(filter.Tags) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"tags": filter.Tags}})
	}
	if filter.MinConfidence > 0 {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"confidence": map[string]interface{}{"gte": filter.MinConfidence}},
		})
	}

	body, _ := json.Marshal(map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "embedding",
			"query_vector":   embedding,
			"k":              topK,
			"num_candidates": min(max(topK*10, 100), 10000),
			"filter":         map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
		},
		"size":    topK,
		"_source": map[string]interface{}{"excludes": []string{"embedding"}},
	})

	var results []models.ContextChunk
	err := withRetry(ctx, s.retry, s.log, s.Name(), "query", func() error {
		res, err := esapi.SearchRequest{
			Index: []string{s.index},
			Body:  bytes.NewReader(body),
		}.Do(ctx, s.client)
		if err != nil {
			return classifyESTransportError(err)
		}
		defer res.Body.Close()
		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			return classifyESStatus(res.StatusCode, string(raw))
		}

		var sr esSearchResponse
		if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
			return errs.NewBackendRequestFailedError(s.Name(), "decode search response: "+err.Error())
		}

		results = make([]models.ContextChunk, 0, len(sr.Hits.Hits))
		for _, hit := range sr.Hits.Hits {
			doc := hit.Source
			results = append(results, models.ContextChunk{
				ID:         doc.ID,
				BusinessID: doc.BusinessID,
				Content:    doc.Content,
				Metadata: models.ChunkMetadata{
					SourceAgent: doc.SourceAgent,
					Category:    doc.Category,
					Confidence:  doc.Confidence,
					Tags:        doc.Tags,
					CreatedAt:   doc.CreatedAt.UTC(),
				},
				// cosine similarity is indexed as (1 + cos) / 2
				Similarity: 2*hit.Score - 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ownedBy(businessID, results, topK), nil
}

func (s *ElasticStore) Delete(ctx context.Context, businessID string, ids []string) error {
	if strings.TrimSpace(businessID) == "" {
		return errs.NewInvalidRequestError("businessId is required for deletes")
	}
	if len(ids) == 0 {
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"business_id": businessID}},
					map[string]interface{}{"terms": map[string]interface{}{"id": ids}},
				},
			},
		},
	})
	refresh := true

	return withRetry(ctx, s.retry, s.log, s.Name(), "delete", func() error {
		res, err := esapi.DeleteByQueryRequest{
			Index:   []string{s.index},
			Body:    bytes.NewReader(body),
			Refresh: &refresh,
		}.Do(ctx, s.client)
		if err != nil {
			return classifyESTransportError(err)
		}
		defer res.Body.Close()
		if res.IsError() {
			raw, _ := io.ReadAll(res.Body)
			return classifyESStatus(res.StatusCode, string(raw))
		}
		return nil
	})
}

func (s *ElasticStore) Close() error { return nil }

func classifyESTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.NewBackendUnavailableError("elasticsearch", err)
}

// classifyESStatus treats throttling and server errors as transient and any
// other rejection as a permanent request failure.
func classifyESStatus(status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return errs.NewBackendUnavailableError("elasticsearch", fmt.Errorf("status %d: %s", status, body))
	}
	return errs.NewBackendRequestFailedError("elasticsearch", fmt.Sprintf("status %d: %s", status, body))
}
