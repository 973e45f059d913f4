// Package workflow holds the static table of pipelines the orchestrator can
// run. Definitions are validated once when the registry is built; a registry
// that exists is known to be runnable.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/validation"
	"content-orchestrator/internal/models"
)

// Registry maps workflow names to their definitions. It is read-only after
// New returns and safe for concurrent use.
type Registry struct {
	defs  map[string]models.WorkflowDefinition
	names []string
}

type options struct {
	transforms map[string]bool
}

// Option configures registry validation.
type Option func(*options)

// WithTransforms declares which transform names transform steps may use.
func WithTransforms(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.transforms[n] = true
		}
	}
}

// New validates defs and builds the registry. Every problem found is
// reported in a single RegistryMisconfigured error.
func New(defs []models.WorkflowDefinition, opts ...Option) (*Registry, error) {
	o := options{transforms: make(map[string]bool)}
	for _, opt := range opts {
		opt(&o)
	}

	v := validation.NewStructValidator()
	r := &Registry{defs: make(map[string]models.WorkflowDefinition, len(defs))}
	var problems []string

	for i, def := range defs {
		label := def.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if res := v.ValidateStruct(def); !res.Valid {
			problems = append(problems, fmt.Sprintf("workflow %s: %s", label, res.Summary()))
			continue
		}
		if _, dup := r.defs[def.Name]; dup {
			problems = append(problems, fmt.Sprintf("workflow %s: defined more than once", def.Name))
			continue
		}
		for _, p := range checkDefinition(def, o) {
			problems = append(problems, fmt.Sprintf("workflow %s: %s", def.Name, p))
		}
		r.defs[def.Name] = cloneDefinition(def)
		r.names = append(r.names, def.Name)
	}

	if len(problems) > 0 {
		return nil, errs.NewRegistryMisconfiguredError(strings.Join(problems, "; "))
	}
	sort.Strings(r.names)
	return r, nil
}

// StepsFor returns the steps of name ordered by concurrency group, keeping
// declaration order within a group.
func (r *Registry) StepsFor(name string) ([]models.StepDescriptor, error) {
	def, err := r.Definition(name)
	if err != nil {
		return nil, err
	}
	steps := def.Steps
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].ConcurrencyGroup < steps[j].ConcurrencyGroup
	})
	return steps, nil
}

// Definition returns a copy of the named definition.
func (r *Registry) Definition(name string) (models.WorkflowDefinition, error) {
	def, ok := r.defs[name]
	if !ok {
		return models.WorkflowDefinition{}, errs.NewUnknownWorkflowError(name)
	}
	return cloneDefinition(def), nil
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Groups splits ordered steps into runs of equal concurrency group.
func Groups(steps []models.StepDescriptor) [][]models.StepDescriptor {
	var groups [][]models.StepDescriptor
	for i, s := range steps {
		if i == 0 || s.ConcurrencyGroup != steps[i-1].ConcurrencyGroup {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}

// checkDefinition applies the cross-field rules struct tags cannot express.
func checkDefinition(def models.WorkflowDefinition, o options) []string {
	var problems []string

	if def.RetrievalQuery != "" {
		if _, err := template.New(def.Name).Option("missingkey=zero").Parse(def.RetrievalQuery); err != nil {
			problems = append(problems, fmt.Sprintf("retrievalQuery does not parse: %v", err))
		}
	}

	implicit := make(map[string]bool, len(models.ImplicitInputs))
	for _, k := range models.ImplicitInputs {
		implicit[k] = true
	}

	stepNames := make(map[string]bool, len(def.Steps))
	producer := make(map[string]models.StepDescriptor)
	for _, s := range def.Steps {
		if stepNames[s.Name] {
			problems = append(problems, fmt.Sprintf("step %s: duplicate step name", s.Name))
		}
		stepNames[s.Name] = true

		switch s.Kind {
		case models.StepKindGenerate:
			if strings.TrimSpace(s.Instruction) == "" {
				problems = append(problems, fmt.Sprintf("step %s: generate steps need an instruction", s.Name))
			}
		case models.StepKindTransform:
			if !o.transforms[s.Transform] {
				problems = append(problems, fmt.Sprintf("step %s: unknown transform %q", s.Name, s.Transform))
			}
		}

		if s.OutputSchema != nil {
			if _, err := validation.CompileSchema(validation.ProducesSchema(s.Produces, s.OutputSchema)); err != nil {
				problems = append(problems, fmt.Sprintf("step %s: outputSchema: %v", s.Name, err))
			}
		}

		for _, key := range s.Produces {
			if implicit[key] {
				problems = append(problems, fmt.Sprintf("step %s: may not produce reserved key %q", s.Name, key))
				continue
			}
			if other, taken := producer[key]; taken {
				problems = append(problems, fmt.Sprintf("step %s: key %q is already produced by step %s", s.Name, key, other.Name))
				continue
			}
			producer[key] = s
		}
	}

	declared := make(map[string]bool, len(def.Inputs))
	for _, k := range def.Inputs {
		declared[k] = true
	}

	for _, s := range def.Steps {
		for _, key := range s.RequiredInputs {
			if implicit[key] || declared[key] {
				continue
			}
			p, ok := producer[key]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("step %s: input %q is neither a workflow input nor produced by any step", s.Name, key))
			case p.ConcurrencyGroup >= s.ConcurrencyGroup:
				problems = append(problems, fmt.Sprintf("step %s: input %q is produced by step %s in group %d, which does not run before group %d",
					s.Name, key, p.Name, p.ConcurrencyGroup, s.ConcurrencyGroup))
			case p.Optional && !s.Optional:
				problems = append(problems, fmt.Sprintf("step %s: required step depends on %q, produced only by optional step %s", s.Name, key, p.Name))
			}
		}
	}

	return problems
}

func cloneDefinition(def models.WorkflowDefinition) models.WorkflowDefinition {
	out := def
	out.Inputs = append([]string(nil), def.Inputs...)
	out.Steps = make([]models.StepDescriptor, len(def.Steps))
	for i, s := range def.Steps {
		s.RequiredInputs = append([]string(nil), s.RequiredInputs...)
		s.Produces = append([]string(nil), s.Produces...)
		out.Steps[i] = s
	}
	return out
}
