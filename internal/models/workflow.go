// internal/models/workflow.go
package models

// StepKind says how a step produces its outputs.
type StepKind string

const (
	// StepKindGenerate calls the generation capability.
	StepKindGenerate StepKind = "generate"
	// StepKindTransform runs a registered deterministic Go function.
	StepKindTransform StepKind = "transform"
)

// Implicit pipeline state keys seeded before any step runs.
const (
	StateKeyBusinessID       = "businessId"
	StateKeyWorkflowName     = "workflowName"
	StateKeyRetrievedContext = "retrievedContext"
)

// ImplicitInputs lists the keys every step may depend on without declaring.
var ImplicitInputs = []string{StateKeyBusinessID, StateKeyWorkflowName, StateKeyRetrievedContext}

// WorkflowDefinition is a named, statically known pipeline.
type WorkflowDefinition struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description,omitempty"`
	// Inputs are the params/customData keys a caller must supply.
	Inputs []string `json:"inputs,omitempty" validate:"dive,required"`
	// RetrievalQuery is a text/template rendered against the request to build
	// the similarity query. Empty means "<workflow> <businessName>".
	RetrievalQuery string            `json:"retrievalQuery,omitempty"`
	Retrieval      RetrievalSettings `json:"retrieval,omitempty"`
	Steps          []StepDescriptor  `json:"steps" validate:"required,min=1,dive"`
}

// RetrievalSettings override the service-wide retrieval defaults.
type RetrievalSettings struct {
	TopK          int      `json:"topK,omitempty" validate:"gte=0,lte=50"`
	MinConfidence float64  `json:"minConfidence,omitempty" validate:"gte=0,lte=1"`
	MaxChars      int      `json:"maxChars,omitempty" validate:"gte=0"`
	Categories    []string `json:"categories,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Disabled      bool     `json:"disabled,omitempty"`
}

// StepDescriptor declares one step of a workflow.
type StepDescriptor struct {
	Name             string                 `json:"name" validate:"required,max=100"`
	Kind             StepKind               `json:"kind" validate:"required,oneof=generate transform"`
	Instruction      string                 `json:"instruction,omitempty"`
	Transform        string                 `json:"transform,omitempty"`
	RequiredInputs   []string               `json:"requiredInputs,omitempty" validate:"dive,required"`
	Produces         []string               `json:"produces" validate:"required,min=1,dive,required"`
	Optional         bool                   `json:"optional,omitempty"`
	ConcurrencyGroup int                    `json:"concurrencyGroup" validate:"gte=0"`
	OutputSchema     map[string]interface{} `json:"outputSchema,omitempty"`
}
