package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"content-orchestrator/internal/models"
	"content-orchestrator/internal/orchestrator"
	"content-orchestrator/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateAndList_Builtins(t *testing.T) {
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "3 workflow(s)")

	out, err = run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "business-insights (inputs: businessName)")
	assert.Contains(t, out, "group 0: market-analysis, competitor-scan?")
	assert.Contains(t, out, "group 2: insight-digest?")
}

func TestValidate_RejectsBrokenFile(t *testing.T) {
	path := writeFile(t, "workflows.json", `{"workflows":[{"name":"broken","steps":[{"name":"a","kind":"transform","transform":"missing","produces":["x"]}]}]}`)

	_, err := run(t, "validate", "--file", path)
	assert.Error(t, err)

	path = writeFile(t, "typo.json", `{"workflows":[],"workflowz":[]}`)
	_, err = run(t, "validate", "--file", path)
	assert.Error(t, err)
}

func TestAdd_WritesValidatedSkeleton(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "workflows.json")

	out, err := run(t, "add", "press-release", "--file", path, "--produces", "headline,body", "--description", "Launch copy")
	require.NoError(t, err)
	assert.Contains(t, out, "Added workflow: press-release")

	f, err := registry.Load(path)
	require.NoError(t, err)
	require.Len(t, f.Workflows, 1)
	assert.Equal(t, "Launch copy", f.Workflows[0].Description)
	assert.Equal(t, []string{"headline", "body"}, f.Workflows[0].Steps[0].Produces)
	assert.NotEmpty(t, f.LastUpdated)

	out, err = run(t, "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "4 workflow(s)")

	// names collide with the built-ins and with earlier additions
	_, err = run(t, "add", "press-release", "--file", path)
	assert.Error(t, err)
	_, err = run(t, "add", "business-insights", "--file", path)
	assert.Error(t, err)

	f, err = registry.Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Workflows, 1)
}

func TestFingerprint_MatchesOrchestrator(t *testing.T) {
	path := writeFile(t, "req.json", `{"businessId":"biz-1","params":{"businessName":"Corner Cafe"},"contextRevision":"r7"}`)

	out, err := run(t, "fingerprint", "business-insights", path)
	require.NoError(t, err)

	want, err := orchestrator.FingerprintOf("business-insights", models.ExecutionRequest{
		BusinessID:      "biz-1",
		Params:          map[string]interface{}{"businessName": "Corner Cafe"},
		ContextRevision: "r7",
	})
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(out))
}

func TestIngestAndPurge_MemoryProvider(t *testing.T) {
	var embeds atomic.Int32
	genaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ai/embed", r.URL.Path)
		embeds.Add(1)
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer genaiSrv.Close()

	cfgPath := writeFile(t, "config.yaml", fmt.Sprintf(`
vector:
  provider: memory
embedding:
  dimension: 3
genai:
  base_url: %s
`, genaiSrv.URL))

	chunks, err := json.Marshal([]models.ContextChunk{
		{ID: "c1", BusinessID: "biz-1", Content: "Espresso bar", Metadata: models.ChunkMetadata{Category: "market", Confidence: 0.8}},
		{ID: "c2", BusinessID: "biz-1", Content: "Catering", Embedding: []float32{1, 0, 0}, Metadata: models.ChunkMetadata{Category: "market", Confidence: 0.7}},
	})
	require.NoError(t, err)
	chunksPath := writeFile(t, "chunks.json", string(chunks))

	out, err := run(t, "ingest", chunksPath, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 2 chunk(s) into memory.")
	assert.Equal(t, int32(1), embeds.Load(), "chunks with a vector are not re-embedded")

	out, err = run(t, "purge", "c1", "c2", "--business", "biz-1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 2 chunk id(s) for biz-1.")

	_, err = run(t, "purge", "c1", "--config", cfgPath)
	assert.Error(t, err)
}

func TestIngest_RejectsEmptyFile(t *testing.T) {
	path := writeFile(t, "chunks.json", `[]`)
	_, err := run(t, "ingest", path)
	assert.Error(t, err)
}
