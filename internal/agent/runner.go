// Package agent runs single pipeline steps: it assembles a step's input,
// calls the generation service or a registered transform, validates the
// payload and retries transient failures.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"content-orchestrator/internal/common/config"
	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/common/observability"
	"content-orchestrator/internal/common/validation"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultBackoffBase = 500 * time.Millisecond

// StepOutcome is the result of one step run, retries included.
type StepOutcome struct {
	Outputs  map[string]interface{}
	Err      error
	Attempts int
	// Skipped is set when an optional step gave up; its keys stay absent.
	Skipped  bool
	Duration time.Duration
}

// Runner executes steps. It is stateless apart from a compiled schema
// cache and is shared by all executions.
type Runner struct {
	generator  genai.Generator
	transforms *Transforms
	policy     config.StepConfig
	obs        *observability.Observability
	logger     logger.Logger

	mu         sync.Mutex
	validators map[string]*validation.PayloadValidator
}

// NewRunner builds a runner. MaxRetries is taken as given, so zero means a
// single attempt; an unset BackoffBase takes DefaultBackoffBase. obs may be
// nil.
func NewRunner(generator genai.Generator, transforms *Transforms, policy config.StepConfig, obs *observability.Observability, log logger.Logger) *Runner {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = DefaultBackoffBase
	}
	if transforms == nil {
		transforms = NewTransforms()
	}
	if obs == nil {
		obs = observability.Noop()
	}
	return &Runner{
		generator:  generator,
		transforms: transforms,
		policy:     policy,
		obs:        obs,
		logger:     logger.Component(log, "step-runner"),
		validators: make(map[string]*validation.PayloadValidator),
	}
}

// Run executes step against a read-only snapshot of the pipeline state.
// It never panics and reports every failure through StepOutcome.Err.
func (r *Runner) Run(ctx context.Context, step models.StepDescriptor, snapshot map[string]interface{}, req models.ExecutionRequest) StepOutcome {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, "step."+step.Name,
		attribute.String("workflow", req.WorkflowName),
		attribute.String("step", step.Name),
		attribute.String("kind", string(step.Kind)),
		attribute.Bool("optional", step.Optional),
	)
	defer span.End()

	log := r.logger.With(map[string]interface{}{
		"workflow": req.WorkflowName,
		"step":     step.Name,
	})

	outcome := r.run(ctx, step, snapshot, req, log)
	outcome.Duration = time.Since(start)

	status := "ok"
	switch {
	case outcome.Err == nil:
	case outcome.Skipped:
		status = "skipped"
	default:
		status = "failed"
	}
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, string(errs.CodeOf(outcome.Err)))
	}
	span.SetAttributes(attribute.Int("attempts", outcome.Attempts))

	metrics.StepsTotal.WithLabelValues(step.Name, status).Inc()
	metrics.StepDuration.WithLabelValues(step.Name).Observe(outcome.Duration.Seconds())
	r.obs.RecordStep(ctx, step.Name, status, outcome.Duration)

	log.Debug("step finished", map[string]interface{}{
		"status":     status,
		"attempts":   outcome.Attempts,
		"durationMs": outcome.Duration.Milliseconds(),
	})
	return outcome
}

func (r *Runner) run(ctx context.Context, step models.StepDescriptor, snapshot map[string]interface{}, req models.ExecutionRequest, log logger.Logger) StepOutcome {
	input, missing := assembleInput(step, snapshot, req)
	if len(missing) > 0 {
		return StepOutcome{
			Err:     errs.NewStepInputMissingError(step.Name, missing),
			Skipped: step.Optional,
		}
	}

	validator, err := r.validatorFor(req.WorkflowName, step)
	if err != nil {
		return StepOutcome{
			Err:     errs.NewStepFailedError(step.Name, 0, errs.NewStepOutputInvalidError(step.Name, err.Error())),
			Skipped: step.Optional,
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var (
		attempts int
		outputs  map[string]interface{}
	)
	err = backoff.RetryNotify(func() error {
		attempts++
		payload, err := r.attempt(ctx, step, input)
		if err == nil {
			if res := validator.Validate(payload); !res.Valid {
				err = errs.NewStepOutputInvalidError(step.Name, res.Summary())
			}
		}
		if err != nil {
			if errs.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		outputs = restrict(payload, step.Produces)
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries)), ctx),
		func(err error, next time.Duration) {
			metrics.StepRetries.WithLabelValues(step.Name).Inc()
			log.Warn("step attempt failed, retrying", map[string]interface{}{
				"attempt":     attempts,
				"nextRetryIn": next.String(),
				"errorCode":   string(errs.CodeOf(err)),
				"error":       err.Error(),
			})
		})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errs.NewExecutionCancelledError(ctxErr)
		}
		return StepOutcome{
			Err:      errs.NewStepFailedError(step.Name, attempts, err),
			Attempts: attempts,
			Skipped:  step.Optional,
		}
	}
	return StepOutcome{Outputs: outputs, Attempts: attempts}
}

// attempt performs one try under the per-step timeout. A panic in the
// step becomes a permanent error.
func (r *Runner) attempt(ctx context.Context, step models.StepDescriptor, input map[string]interface{}) (payload map[string]interface{}, err error) {
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("step %s panicked: %v", step.Name, rec)
		}
	}()

	switch step.Kind {
	case models.StepKindGenerate:
		return r.generate(ctx, step, input)
	case models.StepKindTransform:
		fn, ok := r.transforms.Get(step.Transform)
		if !ok {
			return nil, fmt.Errorf("transform %q is not registered", step.Transform)
		}
		return fn(ctx, input)
	default:
		return nil, fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

func (r *Runner) generate(ctx context.Context, step models.StepDescriptor, input map[string]interface{}) (map[string]interface{}, error) {
	if r.generator == nil {
		return nil, errs.NewGenerationFailedError("no generator configured", false, nil)
	}

	retrieved, _ := input[models.StateKeyRetrievedContext].(string)
	stepInput := make(map[string]interface{}, len(input))
	for k, v := range input {
		if k != models.StateKeyRetrievedContext {
			stepInput[k] = v
		}
	}

	resp, err := r.generator.Generate(ctx, genai.GenerationRequest{
		Step:        step.Name,
		Instruction: step.Instruction,
		Input:       stepInput,
		Context:     retrieved,
		OutputKeys:  step.Produces,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errs.NewStepOutputInvalidError(step.Name, "empty response")
	}
	if resp.Payload != nil {
		return resp.Payload, nil
	}
	return decodePayload(step.Name, resp.Text)
}

// decodePayload accepts text that is exactly one JSON object.
func decodePayload(step, text string) (map[string]interface{}, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errs.NewStepOutputInvalidError(step, "empty response")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, errs.NewStepOutputInvalidError(step, "response is not a JSON object: "+err.Error())
	}
	if dec.More() {
		return nil, errs.NewStepOutputInvalidError(step, "trailing data after JSON object")
	}
	if payload == nil {
		return nil, errs.NewStepOutputInvalidError(step, "response is null")
	}
	return payload, nil
}

func (r *Runner) validatorFor(workflow string, step models.StepDescriptor) (*validation.PayloadValidator, error) {
	key := workflow + "/" + step.Name

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.validators[key]; ok {
		return v, nil
	}
	v, err := validation.NewPayloadValidator(validation.ProducesSchema(step.Produces, step.OutputSchema))
	if err != nil {
		return nil, err
	}
	r.validators[key] = v
	return v, nil
}

// assembleInput copies the step's required inputs, the retrieved context
// and the caller's params out of snapshot. It reports required keys that
// are absent.
func assembleInput(step models.StepDescriptor, snapshot map[string]interface{}, req models.ExecutionRequest) (map[string]interface{}, []string) {
	input := make(map[string]interface{}, len(step.RequiredInputs)+len(req.Params)+len(req.CustomData)+1)
	for k, v := range req.CustomData {
		input[k] = v
	}
	for k, v := range req.Params {
		input[k] = v
	}
	if rc, ok := snapshot[models.StateKeyRetrievedContext]; ok {
		input[models.StateKeyRetrievedContext] = rc
	}

	var missing []string
	for _, key := range step.RequiredInputs {
		v, ok := snapshot[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		input[key] = v
	}
	return input, missing
}

func restrict(payload map[string]interface{}, produces []string) map[string]interface{} {
	out := make(map[string]interface{}, len(produces))
	for _, key := range produces {
		if v, ok := payload[key]; ok {
			out[key] = v
		}
	}
	return out
}
