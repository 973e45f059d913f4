package vectorstore

import (
	"context"
	"time"

	errs "content-orchestrator/internal/common/errors"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient backend failures at the adapter
// boundary.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy matches the vector.* config defaults.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, Backoff: 200 * time.Millisecond}

// withRetry runs op until it succeeds, fails permanently, exhausts the
// policy, or ctx ends. Only errors classified as transient are retried.
func withRetry(ctx context.Context, p RetryPolicy, log logger.Logger, provider, opName string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0))), ctx),
		func(err error, next time.Duration) {
			log.Warn("vector store call failed, retrying", map[string]interface{}{
				"op":          opName,
				"attempt":     attempt,
				"nextRetryIn": next.String(),
				"error":       err.Error(),
			})
		})

	metrics.VectorStoreOps.WithLabelValues(provider, opName, metrics.Status(err)).Inc()
	return err
}
