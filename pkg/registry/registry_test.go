package registry

import (
	"os"
	"path/filepath"
	"testing"

	"content-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "workflows.json")
	f := &WorkflowFile{Workflows: []models.WorkflowDefinition{{
		Name: "newsletter",
		Steps: []models.StepDescriptor{{
			Name: "draft", Kind: models.StepKindGenerate, Instruction: "Write it.", Produces: []string{"body"},
		}},
	}}}

	require.NoError(t, Save(f, path))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", loaded.Version)
	assert.NotEmpty(t, loaded.LastUpdated)
	require.Len(t, loaded.Workflows, 1)
	assert.Equal(t, []string{"body"}, loaded.Workflows[0].Steps[0].Produces)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workflows":[{"name":"x","stepz":[]}]}`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDefinitions_EmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	assert.NoError(t, err)
	assert.Nil(t, defs)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, os.IsNotExist(err))
}
