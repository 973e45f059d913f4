// Package orchestrator drives one workflow execution from cache lookup
// through retrieval and the step pipeline to a cached result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"content-orchestrator/internal/agent"
	"content-orchestrator/internal/cache"
	"content-orchestrator/internal/common/config"
	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/common/observability"
	"content-orchestrator/internal/common/validation"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/retrieval"
	"content-orchestrator/internal/vectorstore"
	"content-orchestrator/internal/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultPoolSize = 8

type Registry interface {
	Definition(name string) (models.WorkflowDefinition, error)
	StepsFor(name string) ([]models.StepDescriptor, error)
}

type Retriever interface {
	Fetch(ctx context.Context, query, businessID string, opts retrieval.Options) *retrieval.Result
}

type StepRunner interface {
	Run(ctx context.Context, step models.StepDescriptor, snapshot map[string]interface{}, req models.ExecutionRequest) agent.StepOutcome
}

type Options struct {
	// PoolSize caps how many steps of one group run at once.
	PoolSize int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{PoolSize: cfg.Worker.PoolSize}
}

// Orchestrator is safe for concurrent use; every Execute call owns its own
// pipeline state.
type Orchestrator struct {
	registry  Registry
	retriever Retriever
	runner    StepRunner
	cache     *cache.Cache
	opts      Options
	obs       *observability.Observability
	validator *validation.StructValidator
	handler   *errs.ErrorHandler
	logger    logger.Logger
}

// New wires an orchestrator. results may be nil to run without caching; obs
// may be nil.
func New(registry Registry, retriever Retriever, runner StepRunner, results *cache.Cache, opts Options, obs *observability.Observability, log logger.Logger) *Orchestrator {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if obs == nil {
		obs = observability.Noop()
	}
	log = logger.Component(log, "orchestrator")
	return &Orchestrator{
		registry:  registry,
		retriever: retriever,
		runner:    runner,
		cache:     results,
		opts:      opts,
		obs:       obs,
		validator: validation.NewStructValidator(),
		handler:   errs.NewErrorHandler(log),
		logger:    log,
	}
}

// execution is the per-call bookkeeping. One goroutine owns it at a time;
// step goroutines return outcomes instead of writing here.
type execution struct {
	id          string
	req         models.ExecutionRequest
	fingerprint string
	start       time.Time
	machine     *machine
	state       *models.PipelineState
	log         logger.Logger

	agents        []string
	skipped       []string
	errors        []string
	contextChunks int
	degraded      bool
}

// fork copies the execution for the goroutine that computes its result.
func (ex *execution) fork() *execution {
	m := &machine{state: ex.machine.state, history: append([]models.ExecutionState(nil), ex.machine.history...)}
	return &execution{
		id:          ex.id,
		req:         ex.req,
		fingerprint: ex.fingerprint,
		start:       ex.start,
		machine:     m,
		log:         ex.log,
	}
}

// Execute runs workflowName for req. It always returns a well formed
// result: failures are reported in Errors, never as a Go error or panic.
func (o *Orchestrator) Execute(ctx context.Context, workflowName string, req models.ExecutionRequest) (result *models.ExecutionResult) {
	req.WorkflowName = workflowName
	ex := &execution{
		id:      uuid.NewString(),
		req:     req,
		start:   time.Now(),
		machine: newMachine(),
	}
	ex.log = o.logger.With(map[string]interface{}{
		"executionId": ex.id,
		"workflow":    workflowName,
		"businessId":  req.BusinessID,
	})

	ctx, span := o.obs.StartSpan(ctx, "workflow.execute",
		attribute.String("workflow", workflowName),
		attribute.String("executionId", ex.id),
	)
	defer span.End()

	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()

	defer func() {
		if rec := recover(); rec != nil {
			ex.log.Error("execution panicked", map[string]interface{}{"panic": fmt.Sprint(rec)})
			result = o.fail(ex, fmt.Errorf("execution panicked: %v", rec))
		}
		o.finish(ctx, span, ex, result)
	}()

	fp, fpErr := FingerprintOf(workflowName, req)
	ex.fingerprint = fp

	// PENDING. A miss is counted by cache.Compute, which records how the
	// lookup was finally served.
	if fpErr == nil && o.cache != nil && !req.BypassCache {
		if entry, ok := o.cache.Get(ctx, fp); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			o.advance(ex, models.StateDone)
			res := entry.Result
			res.Metadata.CacheHit = true
			res.Metadata.Coalesced = false
			return res
		}
	}
	o.advance(ex, models.StateRetrieving)

	if fpErr != nil {
		return o.fail(ex, errs.NewInvalidRequestError(fpErr.Error()))
	}
	if err := o.validate(req); err != nil {
		return o.fail(ex, err)
	}

	// compute may run on a single-flight goroutine that outlives this call
	// when ctx ends, so it works on its own copy of the bookkeeping.
	compute := func(ctx context.Context) (res *models.ExecutionResult, cacheable bool, err error) {
		run := ex.fork()
		defer func() {
			if rec := recover(); rec != nil {
				run.log.Error("execution panicked", map[string]interface{}{"panic": fmt.Sprint(rec)})
				res, cacheable, err = o.fail(run, fmt.Errorf("execution panicked: %v", rec)), false, nil
			}
		}()

		res = o.run(ctx, run)
		if err := ctx.Err(); err != nil {
			return res, false, err
		}
		return res, o.cacheable(res), nil
	}

	if o.cache == nil || req.BypassCache {
		res, cacheable, _ := compute(ctx)
		if cacheable && o.cache != nil {
			o.cache.Store(ctx, fp, res)
		}
		return res
	}

	res, outcome, err := o.cache.Compute(ctx, fp, compute)
	if res == nil {
		if err == nil {
			err = errors.New("computation returned no result")
		}
		if isCancellation(err) {
			return o.fail(ex, errs.NewExecutionCancelledError(err))
		}
		return o.fail(ex, err)
	}

	// the same result may have been handed to other callers
	out := res.Clone()
	out.Metadata.CacheHit = outcome.Hit
	out.Metadata.Coalesced = outcome.Shared && !outcome.Hit
	return out
}

// Invalidate drops a cached result.
func (o *Orchestrator) Invalidate(ctx context.Context, fingerprint string) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Invalidate(ctx, fingerprint)
}

// FingerprintOf computes the cache key of a request.
func FingerprintOf(workflowName string, req models.ExecutionRequest) (string, error) {
	return cache.Fingerprint(cache.FingerprintInput{
		WorkflowName:    workflowName,
		BusinessID:      req.BusinessID,
		Params:          req.Params,
		CustomData:      req.CustomData,
		ContextRevision: req.ContextRevision,
		Strict:          req.Strict,
	})
}

// run executes RETRIEVING through DONE for a cache miss.
func (o *Orchestrator) run(ctx context.Context, ex *execution) *models.ExecutionResult {
	name := ex.req.WorkflowName

	def, err := o.registry.Definition(name)
	if err != nil {
		return o.fail(ex, err)
	}
	if missing := missingInputs(def, ex.req); len(missing) > 0 {
		return o.fail(ex, errs.NewInvalidRequestError("missing workflow inputs: "+strings.Join(missing, ", ")))
	}
	steps, err := o.registry.StepsFor(name)
	if err != nil {
		return o.fail(ex, err)
	}

	ex.state = models.NewPipelineState(ex.req)
	o.retrieve(ctx, def, ex)
	if err := ctx.Err(); err != nil {
		return o.fail(ex, errs.NewExecutionCancelledError(err))
	}

	o.advance(ex, models.StateExecuting)
	for _, group := range workflow.Groups(steps) {
		if err := o.runGroup(ctx, ex, group); err != nil {
			if errs.CodeOf(err) == errs.ErrCodeExecutionCancelled {
				return o.fail(ex, err)
			}
			// the failing steps are already in ex.errors
			return o.fail(ex, nil)
		}
	}

	o.advance(ex, models.StateCaching)
	success := true
	if ex.req.Strict && len(ex.skipped) > 0 {
		success = false
		ex.errors = append(ex.errors, fmt.Sprintf("strict mode: optional steps skipped: %s", strings.Join(ex.skipped, ", ")))
	}
	o.advance(ex, models.StateDone)
	return o.result(ex, success)
}

func (o *Orchestrator) retrieve(ctx context.Context, def models.WorkflowDefinition, ex *execution) {
	if def.Retrieval.Disabled || o.retriever == nil {
		return
	}

	query := retrievalQuery(def, ex.req)
	ctx, span := o.obs.StartSpan(ctx, "workflow.retrieve", attribute.String("workflow", def.Name))
	defer span.End()

	res := o.retriever.Fetch(ctx, query, ex.req.BusinessID, retrieval.Options{
		TopK:          def.Retrieval.TopK,
		MinConfidence: def.Retrieval.MinConfidence,
		MaxChars:      def.Retrieval.MaxChars,
		Filter: vectorstore.Filter{
			Categories: def.Retrieval.Categories,
			Tags:       def.Retrieval.Tags,
		},
	})
	if res == nil {
		return
	}

	ex.state.Set(models.StateKeyRetrievedContext, res.Content)
	ex.contextChunks = len(res.Sources)
	span.SetAttributes(attribute.Int("chunks", ex.contextChunks), attribute.Bool("degraded", res.Degraded))

	if res.Degraded && ctx.Err() == nil {
		ex.degraded = true
		ex.log.Warn("continuing without retrieved context", map[string]interface{}{"reason": res.Reason})
	}
}

// runGroup runs the steps of one concurrency group against a snapshot taken
// before any of them starts, then merges outputs in declaration order. A
// required failure cancels the rest of the group.
func (o *Orchestrator) runGroup(ctx context.Context, ex *execution, group []models.StepDescriptor) error {
	snapshot := ex.state.Snapshot()
	outcomes := make([]agent.StepOutcome, len(group))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(group), o.opts.PoolSize))
	for i, step := range group {
		g.Go(func() error {
			outcomes[i] = o.runner.Run(gctx, step, snapshot, ex.req)
			if outcomes[i].Err != nil && !step.Optional {
				return outcomes[i].Err
			}
			return nil
		})
	}
	firstErr := g.Wait()

	if err := ctx.Err(); err != nil {
		return errs.NewExecutionCancelledError(err)
	}

	for i, step := range group {
		out := outcomes[i]
		switch {
		case out.Err == nil:
			ex.state.Merge(out.Outputs)
			ex.agents = append(ex.agents, step.Name)
		case firstErr != nil && errors.Is(out.Err, errs.ErrExecutionCancelled):
			// the group is failing anyway; only the failure that caused it is reported
		case step.Optional:
			ex.skipped = append(ex.skipped, step.Name)
			ex.errors = append(ex.errors, o.handler.HandleStepError(ex.req.WorkflowName, step.Name, true, out.Err))
		default:
			ex.errors = append(ex.errors, o.handler.HandleStepError(ex.req.WorkflowName, step.Name, false, out.Err))
		}
	}
	return firstErr
}

func (o *Orchestrator) validate(req models.ExecutionRequest) error {
	if strings.TrimSpace(req.WorkflowName) == "" {
		return errs.NewInvalidRequestError("workflow name is required")
	}
	if res := o.validator.ValidateStruct(req); !res.Valid {
		return errs.NewInvalidRequestError(res.Summary())
	}
	return nil
}

// cacheable reports whether res may be written through. Every successful
// run qualifies, including ones that skipped optional steps or ran on
// degraded retrieval.
func (o *Orchestrator) cacheable(res *models.ExecutionResult) bool {
	return res != nil && res.Success && res.Metadata.State == models.StateDone
}

func (o *Orchestrator) advance(ex *execution, next models.ExecutionState) {
	if err := ex.machine.to(next); err != nil {
		panic(err)
	}
	ex.log.Debug("execution state changed", map[string]interface{}{"state": string(next)})
}

// fail moves the execution to FAILED and builds its result. err is added to
// the errors unless it is nil.
func (o *Orchestrator) fail(ex *execution, err error) *models.ExecutionResult {
	if !ex.machine.terminal() {
		if tErr := ex.machine.to(models.StateFailed); tErr != nil {
			ex.log.Error("cannot mark execution failed", map[string]interface{}{"error": tErr.Error()})
		}
	}
	if err != nil {
		ex.errors = append(ex.errors, errs.Describe(err))
		ex.log.Warn("execution failed", map[string]interface{}{
			"errorCode": string(errs.CodeOf(err)),
			"error":     err.Error(),
		})
	}
	return o.result(ex, false)
}

func (o *Orchestrator) result(ex *execution, success bool) *models.ExecutionResult {
	data := map[string]interface{}{}
	if ex.state != nil {
		data = ex.state.Outputs()
	}
	return &models.ExecutionResult{
		Success: success,
		Data:    data,
		Errors:  append([]string{}, ex.errors...),
		Metadata: models.ResultMetadata{
			WorkflowName:      ex.req.WorkflowName,
			AgentsExecuted:    append([]string{}, ex.agents...),
			SkippedSteps:      append([]string(nil), ex.skipped...),
			ContextChunks:     ex.contextChunks,
			RetrievalDegraded: ex.degraded,
			State:             ex.machine.Current(),
		},
	}
}

// finish stamps per-call metadata and records metrics. It runs for every
// result, cached or not.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, ex *execution, res *models.ExecutionResult) {
	elapsed := time.Since(ex.start)
	res.Metadata.ExecutionID = ex.id
	res.Metadata.WorkflowName = ex.req.WorkflowName
	res.Metadata.Fingerprint = ex.fingerprint
	res.Metadata.ExecutionTimeMs = elapsed.Milliseconds()

	outcome := "success"
	switch {
	case res.Metadata.CacheHit:
		outcome = "cache_hit"
	case res.Metadata.Coalesced:
		outcome = "coalesced"
	case !res.Success:
		outcome = "failed"
	}

	metrics.ExecutionsTotal.WithLabelValues(ex.req.WorkflowName, outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(ex.req.WorkflowName).Observe(elapsed.Seconds())
	o.obs.RecordExecution(ctx, ex.req.WorkflowName, outcome, elapsed)

	span.SetAttributes(
		attribute.String("state", string(res.Metadata.State)),
		attribute.Bool("cacheHit", res.Metadata.CacheHit),
		attribute.Bool("coalesced", res.Metadata.Coalesced),
	)
	if !res.Success {
		span.SetStatus(codes.Error, strings.Join(res.Errors, "; "))
	}

	ex.log.Info("execution finished", map[string]interface{}{
		"outcome":    outcome,
		"state":      string(res.Metadata.State),
		"durationMs": res.Metadata.ExecutionTimeMs,
		"agents":     len(res.Metadata.AgentsExecuted),
		"skipped":    len(res.Metadata.SkippedSteps),
		"chunks":     res.Metadata.ContextChunks,
	})
}

func missingInputs(def models.WorkflowDefinition, req models.ExecutionRequest) []string {
	var missing []string
	for _, key := range def.Inputs {
		if v, ok := req.Lookup(key); !ok || v == nil {
			missing = append(missing, key)
		}
	}
	return missing
}

// retrievalQuery renders the definition's query template, or falls back to
// "<workflow> <businessName>".
func retrievalQuery(def models.WorkflowDefinition, req models.ExecutionRequest) string {
	if def.RetrievalQuery == "" {
		parts := []string{def.Name}
		if name, ok := req.Lookup("businessName"); ok {
			parts = append(parts, fmt.Sprint(name))
		}
		return strings.Join(parts, " ")
	}

	data := make(map[string]interface{}, len(req.Params)+len(req.CustomData)+2)
	for k, v := range req.CustomData {
		data[k] = v
	}
	for k, v := range req.Params {
		data[k] = v
	}
	data[models.StateKeyBusinessID] = req.BusinessID
	data[models.StateKeyWorkflowName] = def.Name

	tmpl, err := template.New(def.Name).Option("missingkey=zero").Parse(def.RetrievalQuery)
	if err != nil {
		return def.Name
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return def.Name
	}
	rendered := strings.ReplaceAll(b.String(), "<no value>", "")
	return strings.Join(strings.Fields(rendered), " ")
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
