package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"content-orchestrator/internal/common/config"
	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req genai.GenerationRequest) (*genai.GenerationResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*genai.GenerationResponse)
	return resp, args.Error(1)
}

var fastPolicy = config.StepConfig{MaxRetries: 2, BackoffBase: time.Millisecond}

func newTestRunner(t *testing.T, gen genai.Generator) *Runner {
	return NewRunner(gen, DefaultTransforms(), fastPolicy, nil, logger.NewTestLogger(t))
}

func audienceStep() models.StepDescriptor {
	return models.StepDescriptor{
		Name:           "audience-profile",
		Kind:           models.StepKindGenerate,
		Instruction:    "Describe the audience.",
		RequiredInputs: []string{"businessName"},
		Produces:       []string{"audience"},
	}
}

func request() models.ExecutionRequest {
	return models.ExecutionRequest{
		WorkflowName: "content-strategy",
		BusinessID:   "biz-1",
		Params:       map[string]interface{}{"businessName": "Acme Coffee", "industry": "food"},
	}
}

func snapshotOf(req models.ExecutionRequest, extra map[string]interface{}) map[string]interface{} {
	state := models.NewPipelineState(req)
	state.Set(models.StateKeyRetrievedContext, "[source: a/b id=1 confidence=0.90]\nfacts")
	state.Merge(extra)
	return state.Snapshot()
}

func TestRun_GenerateSuccess(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req genai.GenerationRequest) bool {
		_, leaked := req.Input[models.StateKeyRetrievedContext]
		return req.Step == "audience-profile" &&
			req.Input["businessName"] == "Acme Coffee" &&
			req.Context != "" && !leaked &&
			assert.ObjectsAreEqual([]string{"audience"}, req.OutputKeys)
	})).Return(&genai.GenerationResponse{Payload: map[string]interface{}{
		"audience": "young professionals",
		"extra":    "dropped",
	}}, nil).Once()

	out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	require.NoError(t, out.Err)
	assert.Equal(t, map[string]interface{}{"audience": "young professionals"}, out.Outputs)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Skipped)
	gen.AssertExpectations(t)
}

func TestRun_DecodesStrictJSONText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{name: "object", text: ` {"audience": "families"} `},
		{name: "prose around json", text: `Sure! {"audience": "families"}`, wantErr: true},
		{name: "trailing data", text: `{"audience": "families"} {"x": 1}`, wantErr: true},
		{name: "array", text: `["families"]`, wantErr: true},
		{name: "null", text: `null`, wantErr: true},
		{name: "empty", text: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{}
			gen.On("Generate", mock.Anything, mock.Anything).Return(&genai.GenerationResponse{Text: tt.text}, nil)

			out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

			if !tt.wantErr {
				require.NoError(t, out.Err)
				assert.Equal(t, "families", out.Outputs["audience"])
				return
			}
			require.Error(t, out.Err)
			assert.ErrorIs(t, out.Err, errs.ErrStepOutputInvalid)
			// invalid payloads are permanent
			gen.AssertNumberOfCalls(t, "Generate", 1)
		})
	}
}

func TestRun_SchemaViolationIsNotRetried(t *testing.T) {
	step := audienceStep()
	step.OutputSchema = map[string]interface{}{
		"properties": map[string]interface{}{
			"audience": map[string]interface{}{"type": "array", "minItems": 2},
		},
	}
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).
		Return(&genai.GenerationResponse{Payload: map[string]interface{}{"audience": []interface{}{"one"}}}, nil)

	out := newTestRunner(t, gen).Run(context.Background(), step, snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrStepFailed)
	assert.ErrorIs(t, out.Err, errs.ErrStepOutputInvalid)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Skipped)
}

func TestRun_MissingProducedKeyIsInvalid(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).
		Return(&genai.GenerationResponse{Payload: map[string]interface{}{"somethingElse": 1}}, nil)

	out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrStepOutputInvalid)
	assert.Contains(t, out.Err.Error(), "audience")
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).
		Return(nil, errs.NewGenerationFailedError("status 503", true, nil)).Twice()
	gen.On("Generate", mock.Anything, mock.Anything).
		Return(&genai.GenerationResponse{Payload: map[string]interface{}{"audience": "ok"}}, nil).Once()

	out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	gen.AssertExpectations(t)
}

func TestRun_ExhaustedRetries(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(nil, errs.NewGenerationTimeoutError(context.DeadlineExceeded))

	t.Run("required step fails", func(t *testing.T) {
		out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

		assert.ErrorIs(t, out.Err, errs.ErrStepFailed)
		assert.ErrorIs(t, out.Err, errs.ErrGenerationTimeout)
		assert.Equal(t, 3, out.Attempts)
		assert.False(t, out.Skipped)
		assert.Nil(t, out.Outputs)
	})

	t.Run("optional step is skipped", func(t *testing.T) {
		step := audienceStep()
		step.Optional = true

		out := newTestRunner(t, gen).Run(context.Background(), step, snapshotOf(request(), nil), request())

		assert.Error(t, out.Err)
		assert.True(t, out.Skipped)
		assert.Empty(t, out.Outputs)
	})
}

func TestRun_ZeroRetriesMeansOneAttempt(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).
		Return(nil, errs.NewGenerationFailedError("status 503", true, nil))

	runner := NewRunner(gen, DefaultTransforms(), config.StepConfig{MaxRetries: 0, BackoffBase: time.Millisecond}, nil, logger.NewTestLogger(t))
	out := runner.Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrGenerationFailed)
	assert.Equal(t, 1, out.Attempts)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRun_PermanentFailureNotRetried(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(nil, errs.NewGenerationFailedError("status 400", false, nil))

	out := newTestRunner(t, gen).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrGenerationFailed)
	assert.Equal(t, 1, out.Attempts)
}

func TestRun_MissingInput(t *testing.T) {
	gen := &mockGenerator{}
	step := audienceStep()
	step.RequiredInputs = []string{"pillars"}

	out := newTestRunner(t, gen).Run(context.Background(), step, snapshotOf(request(), nil), request())
	assert.Equal(t, errs.ErrCodeStepInputMissing, errs.CodeOf(out.Err))
	assert.False(t, out.Skipped)
	assert.Zero(t, out.Attempts)

	step.Optional = true
	out = newTestRunner(t, gen).Run(context.Background(), step, snapshotOf(request(), nil), request())
	assert.True(t, out.Skipped)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRun_RecoversPanics(t *testing.T) {
	transforms := NewTransforms()
	require.NoError(t, transforms.Register("boom", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		panic("nil map")
	}))
	runner := NewRunner(nil, transforms, fastPolicy, nil, logger.NewNoOpLogger())
	step := models.StepDescriptor{Name: "explode", Kind: models.StepKindTransform, Transform: "boom", Produces: []string{"x"}}

	out := runner.Run(context.Background(), step, snapshotOf(request(), nil), request())

	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
	assert.Equal(t, 1, out.Attempts)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).
		Return(nil, errs.NewGenerationFailedError("status 503", true, nil))

	out := newTestRunner(t, gen).Run(ctx, audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrExecutionCancelled)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRun_PerAttemptTimeout(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(nil, nil).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		_, ok := ctx.Deadline()
		assert.True(t, ok)
	})

	policy := fastPolicy
	policy.Timeout = time.Second
	runner := NewRunner(gen, nil, policy, nil, logger.NewNoOpLogger())

	out := runner.Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrStepOutputInvalid)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRun_Transform(t *testing.T) {
	step := models.StepDescriptor{
		Name:           "strategy-outline",
		Kind:           models.StepKindTransform,
		Transform:      "strategy-outline",
		RequiredInputs: []string{"audience", "pillars"},
		Produces:       []string{"outline"},
	}
	snap := snapshotOf(request(), map[string]interface{}{
		"audience": "families",
		"pillars":  []interface{}{map[string]interface{}{"name": "Origins"}, "Brewing", "Community"},
	})

	out := newTestRunner(t, nil).Run(context.Background(), step, snap, request())

	require.NoError(t, out.Err)
	outline := out.Outputs["outline"].(map[string]interface{})
	assert.Equal(t, []string{"Origins", "Brewing", "Community"}, outline["pillars"])
	assert.Equal(t, 3, outline["pillarCount"])
	assert.Equal(t, "Acme Coffee content strategy", outline["title"])
}

func TestRun_GenerateWithoutGenerator(t *testing.T) {
	out := newTestRunner(t, nil).Run(context.Background(), audienceStep(), snapshotOf(request(), nil), request())

	assert.ErrorIs(t, out.Err, errs.ErrGenerationFailed)
	assert.True(t, errors.Is(out.Err, errs.ErrStepFailed))
}
