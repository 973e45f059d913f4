package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func result(value string) *models.ExecutionResult {
	return &models.ExecutionResult{
		Success: true,
		Data:    map[string]interface{}{"audience": value},
		Errors:  []string{},
		Metadata: models.ResultMetadata{
			WorkflowName:   "content-strategy",
			AgentsExecuted: []string{"audience-profile"},
			State:          models.StateDone,
		},
	}
}

func TestFingerprint_IgnoresKeyOrder(t *testing.T) {
	a := FingerprintInput{
		WorkflowName: "content-strategy",
		BusinessID:   "biz-1",
		Params: map[string]interface{}{
			"businessName": "Acme",
			"nested":       map[string]interface{}{"b": 2, "a": []interface{}{1, "x"}},
		},
		CustomData: map[string]interface{}{"z": true, "y": nil},
	}
	b := FingerprintInput{
		BusinessID:   "biz-1",
		WorkflowName: "content-strategy",
		CustomData:   map[string]interface{}{"y": nil, "z": true},
		Params: map[string]interface{}{
			"nested":       map[string]interface{}{"a": []interface{}{1, "x"}, "b": 2},
			"businessName": "Acme",
		},
	}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Regexp(t, `^fp:v1:[0-9a-f]{64}$`, fa)
}

func TestFingerprint_DistinguishesInputs(t *testing.T) {
	base := FingerprintInput{WorkflowName: "w", BusinessID: "biz-1", Params: map[string]interface{}{"k": "v"}}
	baseFP, err := Fingerprint(base)
	require.NoError(t, err)

	variants := map[string]FingerprintInput{
		"workflow":  {WorkflowName: "w2", BusinessID: "biz-1", Params: map[string]interface{}{"k": "v"}},
		"business":  {WorkflowName: "w", BusinessID: "biz-2", Params: map[string]interface{}{"k": "v"}},
		"param":     {WorkflowName: "w", BusinessID: "biz-1", Params: map[string]interface{}{"k": "v2"}},
		"revision":  {WorkflowName: "w", BusinessID: "biz-1", Params: map[string]interface{}{"k": "v"}, ContextRevision: "2024-06-01"},
		"strict":    {WorkflowName: "w", BusinessID: "biz-1", Params: map[string]interface{}{"k": "v"}, Strict: true},
		"moved key": {WorkflowName: "w", BusinessID: "biz-1", CustomData: map[string]interface{}{"k": "v"}},
	}
	for name, in := range variants {
		t.Run(name, func(t *testing.T) {
			fp, err := Fingerprint(in)
			require.NoError(t, err)
			assert.NotEqual(t, baseFP, fp)
		})
	}
}

func TestFingerprint_NilAndEmptyMapsMatch(t *testing.T) {
	a, _ := Fingerprint(FingerprintInput{WorkflowName: "w", BusinessID: "b"})
	b, _ := Fingerprint(FingerprintInput{WorkflowName: "w", BusinessID: "b", Params: map[string]interface{}{}, CustomData: map[string]interface{}{}})
	assert.Equal(t, a, b)
}

func TestFingerprint_RejectsUnencodableParams(t *testing.T) {
	_, err := Fingerprint(FingerprintInput{WorkflowName: "w", Params: map[string]interface{}{"fn": func() {}}})
	assert.Error(t, err)
}

func TestCache_GetReturnsIsolatedCopies(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	c.Store(ctx, "fp:1", result("families"))

	first, ok := c.Get(ctx, "fp:1")
	require.True(t, ok)
	first.Result.Metadata.CacheHit = true
	first.Result.Errors = append(first.Result.Errors, "mutated")

	second, ok := c.Get(ctx, "fp:1")
	require.True(t, ok)
	assert.False(t, second.Result.Metadata.CacheHit)
	assert.Empty(t, second.Result.Errors)
	assert.Equal(t, "families", second.Result.Data["audience"])
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(NewMemoryBackend(10, 0), time.Minute, logger.NewNoOpLogger(), WithClock(clock.Now))
	ctx := context.Background()

	c.Store(ctx, "fp:1", result("a"))
	entry, ok := c.Get(ctx, "fp:1")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), entry.ExpiresAt)

	clock.Advance(59 * time.Second)
	_, ok = c.Get(ctx, "fp:1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "fp:1")
	assert.False(t, ok)

	// expiry re-executes
	calls := 0
	_, outcome, err := c.GetOrCompute(ctx, "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
		calls++
		return result("b"), true, nil
	})
	require.NoError(t, err)
	assert.False(t, outcome.Hit)
	assert.Equal(t, 1, calls)
}

func TestMemoryBackend_EvictsLeastRecentlyUsed(t *testing.T) {
	backend := NewMemoryBackend(2, time.Hour)
	c := New(backend, time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	c.Store(ctx, "a", result("a"))
	c.Store(ctx, "b", result("b"))
	_, _ = c.Get(ctx, "a")
	c.Store(ctx, "c", result("c"))

	assert.Equal(t, 2, backend.Len())
	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	c.Store(ctx, "fp:1", result("a"))
	require.NoError(t, c.Invalidate(ctx, "fp:1"))
	_, ok := c.Get(ctx, "fp:1")
	assert.False(t, ok)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewTestLogger(t))

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*models.ExecutionResult, bool, error) {
		calls.Add(1)
		<-release
		return result("shared"), true, nil
	}

	const n = 20
	var (
		wg       sync.WaitGroup
		started  sync.WaitGroup
		mu       sync.Mutex
		outcomes []Outcome
	)
	wg.Add(n)
	started.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			started.Done()
			res, outcome, err := c.GetOrCompute(context.Background(), "fp:same", compute)
			assert.NoError(t, err)
			assert.Equal(t, "shared", res.Data["audience"])
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	leaders := 0
	for _, o := range outcomes {
		if !o.Shared && !o.Hit {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	_, outcome, err := c.GetOrCompute(context.Background(), "fp:same", compute)
	require.NoError(t, err)
	assert.True(t, outcome.Hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_DoesNotCacheFailures(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()
	calls := 0

	_, _, err := c.GetOrCompute(ctx, "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
		calls++
		return nil, false, errors.New("boom")
	})
	assert.Error(t, err)

	res, outcome, err := c.GetOrCompute(ctx, "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
		calls++
		return result("partial"), false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Data["audience"])
	assert.False(t, outcome.Hit)

	_, ok := c.Get(ctx, "fp:1")
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_WaiterHonoursOwnContext(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewNoOpLogger())
	release := make(chan struct{})
	leaderIn := make(chan struct{})

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
			close(leaderIn)
			<-release
			return result("late"), true, nil
		})
	}()
	<-leaderIn

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, outcome, err := c.GetOrCompute(ctx, "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
		t.Error("waiter must not compute")
		return nil, false, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, outcome.Shared)
	close(release)
}

func TestGetOrCompute_RejoinsAfterLeaderCancellation(t *testing.T) {
	c := New(NewMemoryBackend(10, time.Hour), time.Hour, logger.NewNoOpLogger())
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderIn := make(chan struct{})

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "fp:1", func(ctx context.Context) (*models.ExecutionResult, bool, error) {
			close(leaderIn)
			<-ctx.Done()
			return nil, false, ctx.Err()
		})
		leaderDone <- err
	}()
	<-leaderIn

	followerDone := make(chan struct{})
	var (
		res     *models.ExecutionResult
		outcome Outcome
		err     error
	)
	go func() {
		defer close(followerDone)
		res, outcome, err = c.GetOrCompute(context.Background(), "fp:1", func(context.Context) (*models.ExecutionResult, bool, error) {
			return result("fresh"), true, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderDone, context.Canceled)
	<-followerDone
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Data["audience"])
	assert.False(t, outcome.Hit)
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := New(NewRedisBackend(rdb, "orchestrator:"), time.Minute, logger.NewTestLogger(t))
	ctx := context.Background()

	c.Store(ctx, "fp:1", result("families"))
	assert.True(t, mr.Exists("orchestrator:fp:1"))
	assert.Equal(t, time.Minute, mr.TTL("orchestrator:fp:1"))

	entry, ok := c.Get(ctx, "fp:1")
	require.True(t, ok)
	assert.Equal(t, "families", entry.Result.Data["audience"])
	assert.Equal(t, []string{"audience-profile"}, entry.Result.Metadata.AgentsExecuted)

	mr.FastForward(time.Minute)
	_, ok = c.Get(ctx, "fp:1")
	assert.False(t, ok)

	c.Store(ctx, "fp:2", result("x"))
	require.NoError(t, c.Invalidate(ctx, "fp:2"))
	assert.False(t, mr.Exists("orchestrator:fp:2"))
}

func TestRedisBackend_FailuresAreMisses(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(NewRedisBackend(rdb, "p:"), time.Minute, logger.NewNoOpLogger())
	ctx := context.Background()

	mock.ExpectGet("p:fp:1").SetErr(errors.New("connection refused"))
	_, ok := c.Get(ctx, "fp:1")
	assert.False(t, ok)

	mock.ExpectGet("p:fp:2").SetVal("{not json")
	_, ok = c.Get(ctx, "fp:2")
	assert.False(t, ok)

	mock.ExpectGet("p:fp:3").RedisNil()
	_, ok = c.Get(ctx, "fp:3")
	assert.False(t, ok)

	mock.Regexp().ExpectSet("p:fp:4", `.*`, time.Minute).SetErr(errors.New("READONLY"))
	assert.NotPanics(t, func() { c.Store(ctx, "fp:4", result("x")) })

	mock.ExpectDel("p:fp:5").SetErr(errors.New("timeout"))
	assert.Error(t, c.Invalidate(ctx, "fp:5"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig(config.CacheConfig{}, nil, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, c.TTL())

	_, err = NewFromConfig(config.CacheConfig{Backend: config.CacheBackendRedis}, nil, logger.NewNoOpLogger())
	assert.Error(t, err)

	_, err = NewFromConfig(config.CacheConfig{Backend: "memcached"}, nil, logger.NewNoOpLogger())
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err = NewFromConfig(config.CacheConfig{Backend: config.CacheBackendRedis, TTL: 5 * time.Minute}, rdb, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, c.TTL())
}
