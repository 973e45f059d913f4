package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"content-orchestrator/internal/agent"
	"content-orchestrator/internal/cache"
	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/database"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/observability"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/orchestrator"
	"content-orchestrator/internal/retrieval"
	"content-orchestrator/internal/vectorstore"
	"content-orchestrator/internal/workflow"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenAI answers the generation API the way the hosted service does,
// picking a payload from the requested output keys.
type fakeGenAI struct {
	mu       sync.Mutex
	prompts  []string
	generate atomic.Int32
}

func (f *fakeGenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt     string   `json:"prompt"`
		OutputKeys []string `json:"output_keys"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch r.URL.Path {
	case "/api/ai/embed":
		fmt.Fprint(w, `{"embedding":[1,0,0]}`)
	case "/api/ai/generate":
		f.generate.Add(1)
		f.mu.Lock()
		f.prompts = append(f.prompts, body.Prompt)
		f.mu.Unlock()
		switch strings.Join(body.OutputKeys, ",") {
		case "marketSummary,opportunities":
			fmt.Fprint(w, `{"output":{"marketSummary":"steady growth","opportunities":["catering"]}}`)
		case "competitors":
			fmt.Fprint(w, `{"output":{"competitors":["Bean Co"]}}`)
		case "insights":
			fmt.Fprint(w, `{"output":{"insights":["expand catering"]}}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	case "/api/ai/generate/stream":
		flusher := w.(http.Flusher)
		for _, line := range []string{`{"delta":"Fresh "}`, `{"delta":"roast"}`, `{"done":true}`} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGenAI) sawPrompt(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, backends ...database.Pinger) (*httptest.Server, *fakeGenAI) {
	t.Helper()
	log := logger.NewTestLogger(t)
	obs := observability.Noop()

	fake := &fakeGenAI{}
	genaiSrv := httptest.NewServer(fake)
	t.Cleanup(genaiSrv.Close)

	client, err := genai.NewClient(config.GenAIConfig{BaseURL: genaiSrv.URL, Timeout: 2000}, 3, log)
	require.NoError(t, err)

	store := vectorstore.NewMemoryStore(3, log)
	engine := retrieval.NewEngine(client, store, config.RetrievalConfig{TopK: 5}, log)
	require.NoError(t, engine.Index(context.Background(), []models.ContextChunk{{
		ID:         "c1",
		BusinessID: "biz-1",
		Content:    "Neighbourhood espresso bar with a loyal morning crowd.",
		Metadata:   models.ChunkMetadata{SourceAgent: "analyst", Category: "market", Confidence: 0.9},
	}}))

	transforms := agent.DefaultTransforms()
	workflows, err := workflow.New(workflow.Builtin(), workflow.WithTransforms(transforms.Names()...))
	require.NoError(t, err)

	runner := agent.NewRunner(client, transforms, config.StepConfig{MaxRetries: 1, BackoffBase: time.Millisecond}, obs, log)
	results := cache.New(cache.NewMemoryBackend(100, time.Hour), time.Hour, log)
	orch := orchestrator.New(workflows, engine, runner, results, orchestrator.Options{PoolSize: 4}, obs, log)

	s := &server{
		exec:           orch,
		workflows:      workflows,
		streamer:       client,
		backends:       backends,
		executeTimeout: 10 * time.Second,
		log:            log,
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv, fake
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResult(t *testing.T, resp *http.Response) models.ExecutionResult {
	t.Helper()
	var res models.ExecutionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestServer_ExecuteThenCacheHit(t *testing.T) {
	srv, fake := newTestServer(t)
	body := `{"businessId":"biz-1","params":{"businessName":"Corner Cafe"}}`

	resp := postJSON(t, srv.URL+"/v1/workflows/business-insights/execute", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeResult(t, resp)

	assert.True(t, first.Success)
	assert.Equal(t, models.StateDone, first.Metadata.State)
	assert.False(t, first.Metadata.CacheHit)
	assert.Equal(t, 1, first.Metadata.ContextChunks)
	assert.Equal(t, "- expand catering", first.Data["digest"])
	assert.ElementsMatch(t, []string{"market-analysis", "competitor-scan", "insight-synthesis", "insight-digest"}, first.Metadata.AgentsExecuted)
	assert.Equal(t, int32(3), fake.generate.Load())
	assert.True(t, fake.sawPrompt("espresso bar"), "retrieved context reaches the generator")

	resp = postJSON(t, srv.URL+"/v1/workflows/business-insights/execute", body)
	second := decodeResult(t, resp)
	assert.True(t, second.Success)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Metadata.Fingerprint, second.Metadata.Fingerprint)
	assert.Equal(t, int32(3), fake.generate.Load())
}

func TestServer_InvalidateForcesRecompute(t *testing.T) {
	srv, fake := newTestServer(t)
	body := `{"businessId":"biz-1","params":{"businessName":"Corner Cafe"}}`

	first := decodeResult(t, postJSON(t, srv.URL+"/v1/workflows/business-insights/execute", body))
	require.NotEmpty(t, first.Metadata.Fingerprint)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/cache/"+first.Metadata.Fingerprint, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	again := decodeResult(t, postJSON(t, srv.URL+"/v1/workflows/business-insights/execute", body))
	assert.False(t, again.Metadata.CacheHit)
	assert.Equal(t, int32(6), fake.generate.Load())
}

func TestServer_ExecuteRejections(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		body     string
		status   int
		contains string
	}{
		{name: "unknown workflow", path: "/v1/workflows/nope/execute", body: `{"businessId":"biz-1"}`, status: http.StatusNotFound, contains: "UNKNOWN_WORKFLOW"},
		{name: "malformed json", path: "/v1/workflows/business-insights/execute", body: `{"businessId":`, status: http.StatusBadRequest, contains: "INVALID_REQUEST"},
		{name: "unknown field", path: "/v1/workflows/business-insights/execute", body: `{"business":"biz-1"}`, status: http.StatusBadRequest, contains: "INVALID_REQUEST"},
		{name: "missing business id", path: "/v1/workflows/business-insights/execute", body: `{"params":{"businessName":"x"}}`, status: http.StatusUnprocessableEntity, contains: "INVALID_REQUEST"},
		{name: "missing workflow input", path: "/v1/workflows/business-insights/execute", body: `{"businessId":"biz-1"}`, status: http.StatusUnprocessableEntity, contains: "businessName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var raw map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
			encoded, _ := json.Marshal(raw)
			assert.Contains(t, string(encoded), tt.contains)
		})
	}
}

func TestServer_ListWorkflows(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Workflows []workflowSummary `json:"workflows"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	names := make([]string, 0, len(out.Workflows))
	for _, wf := range out.Workflows {
		names = append(names, wf.Name)
		assert.NotEmpty(t, wf.Steps)
	}
	assert.ElementsMatch(t, []string{"business-insights", "content-strategy", "social-campaign"}, names)
}

func TestServer_StreamRelaysFragments(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/generate/stream", `{"instruction":"Write a tagline."}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	dec := json.NewDecoder(resp.Body)
	var lines []streamLine
	for dec.More() {
		var l streamLine
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "Fresh ", lines[0].Delta)
	assert.Equal(t, "roast", lines[1].Delta)
	assert.True(t, lines[2].Done)

	resp = postJSON(t, srv.URL+"/v1/generate/stream", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HealthAndReady(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := database.NewRedis(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer rc.Close()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	srv, _ := newTestServer(t, rc, &database.PostgresClient{DB: db})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	var body struct {
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body.Failures["postgres"], "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	_ = postJSON(t, srv.URL+"/v1/workflows/business-insights/execute", `{"businessId":"biz-1","params":{"businessName":"Corner Cafe"}}`)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
