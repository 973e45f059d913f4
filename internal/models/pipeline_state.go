// internal/models/pipeline_state.go
package models

import "sort"

// PipelineState accumulates step outputs for exactly one execution. It is not
// safe for concurrent mutation: steps read a Snapshot and the orchestrator
// merges their outputs after the group completes.
type PipelineState struct {
	values  map[string]interface{}
	outputs map[string]interface{}
}

// NewPipelineState seeds the state from the request. Params win over
// customData on key collisions.
func NewPipelineState(req ExecutionRequest) *PipelineState {
	s := &PipelineState{
		values:  make(map[string]interface{}, len(req.Params)+len(req.CustomData)+3),
		outputs: make(map[string]interface{}),
	}
	for k, v := range req.CustomData {
		s.values[k] = v
	}
	for k, v := range req.Params {
		s.values[k] = v
	}
	s.values[StateKeyBusinessID] = req.BusinessID
	s.values[StateKeyWorkflowName] = req.WorkflowName
	s.values[StateKeyRetrievedContext] = ""
	return s
}

// Set writes a seed value that is not a step output.
func (s *PipelineState) Set(key string, value interface{}) {
	s.values[key] = value
}

// Merge records step outputs.
func (s *PipelineState) Merge(outputs map[string]interface{}) {
	for k, v := range outputs {
		s.values[k] = v
		s.outputs[k] = v
	}
}

func (s *PipelineState) Get(key string) (interface{}, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *PipelineState) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Snapshot returns a copy of every value currently in the state.
func (s *PipelineState) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Outputs returns a copy of the values written by steps.
func (s *PipelineState) Outputs() map[string]interface{} {
	out := make(map[string]interface{}, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// Keys lists state keys in sorted order.
func (s *PipelineState) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
