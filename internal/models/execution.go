// internal/models/execution.go
package models

// ExecutionState is a node of the orchestrator state machine.
type ExecutionState string

const (
	StatePending    ExecutionState = "PENDING"
	StateRetrieving ExecutionState = "RETRIEVING"
	StateExecuting  ExecutionState = "EXECUTING"
	StateCaching    ExecutionState = "CACHING"
	StateDone       ExecutionState = "DONE"
	StateFailed     ExecutionState = "FAILED"
)

// ExecutionRequest is built by the caller and consumed once.
type ExecutionRequest struct {
	WorkflowName string                 `json:"workflowName"`
	BusinessID   string                 `json:"businessId" validate:"required,max=200"`
	Params       map[string]interface{} `json:"params,omitempty"`
	CustomData   map[string]interface{} `json:"customData,omitempty"`
	// ContextRevision is an opaque token, typically the last-modified time of
	// the business's stored intelligence. Changing it changes the fingerprint.
	ContextRevision string `json:"contextRevision,omitempty" validate:"max=200"`
	// Strict turns skipped optional steps into a failed result.
	Strict bool `json:"strict,omitempty"`
	// BypassCache forces a fresh execution; the result is still stored.
	BypassCache bool `json:"bypassCache,omitempty"`
}

// Lookup returns key from params, falling back to customData.
func (r ExecutionRequest) Lookup(key string) (interface{}, bool) {
	if v, ok := r.Params[key]; ok {
		return v, true
	}
	v, ok := r.CustomData[key]
	return v, ok
}

// ExecutionResult is produced once per execution and never mutated after.
type ExecutionResult struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data"`
	Errors   []string               `json:"errors"`
	Metadata ResultMetadata         `json:"metadata"`
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	ExecutionID       string         `json:"executionId,omitempty"`
	WorkflowName      string         `json:"workflowName"`
	AgentsExecuted    []string       `json:"agentsExecuted"`
	SkippedSteps      []string       `json:"skippedSteps,omitempty"`
	ExecutionTimeMs   int64          `json:"executionTimeMs"`
	CacheHit          bool           `json:"cacheHit"`
	Coalesced         bool           `json:"coalesced,omitempty"`
	Fingerprint       string         `json:"fingerprint,omitempty"`
	ContextChunks     int            `json:"contextChunks"`
	RetrievalDegraded bool           `json:"retrievalDegraded,omitempty"`
	State             ExecutionState `json:"state"`
}

// Clone returns a copy whose slices and metadata can be changed without
// touching the original. Data is shared: results are read-only once built.
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Errors = append([]string(nil), r.Errors...)
	out.Metadata.AgentsExecuted = append([]string(nil), r.Metadata.AgentsExecuted...)
	out.Metadata.SkippedSteps = append([]string(nil), r.Metadata.SkippedSteps...)
	return &out
}
