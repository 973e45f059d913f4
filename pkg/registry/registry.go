// pkg/registry/registry.go
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"content-orchestrator/internal/models"
)

// Load reads a workflow file. Unknown fields are rejected so that typos in
// step descriptors fail loudly instead of being ignored.
func Load(path string) (*WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f WorkflowFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// LoadDefinitions returns the workflows in path, or none when path is empty.
func LoadDefinitions(path string) ([]models.WorkflowDefinition, error) {
	if path == "" {
		return nil, nil
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.Workflows, nil
}

// Save writes f to path, creating parent directories as needed.
func Save(f *WorkflowFile, path string) error {
	if f.Version == "" {
		f.Version = "1.0.0"
	}
	f.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflows: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}
	return nil
}
