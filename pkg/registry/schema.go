// pkg/registry/schema.go
package registry

import "content-orchestrator/internal/models"

// WorkflowFile is the on-disk form of extra workflow definitions loaded at
// boot alongside the built-in ones.
type WorkflowFile struct {
	Version     string                      `json:"version"`
	LastUpdated string                      `json:"lastUpdated"`
	Workflows   []models.WorkflowDefinition `json:"workflows"`
}
