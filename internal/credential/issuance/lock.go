package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subject lock contention metrics
var (
	subjectLockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "certify_issuance_subject_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a subject shard lock",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	subjectLockAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certify_issuance_subject_lock_acquisitions_total",
		Help: "Total number of subject shard lock acquisitions",
	})
)

// defaultLockTimeout bounds one locked issuance or revocation when the caller
// set no deadline. It covers the remote signing and anchor round trips.
const defaultLockTimeout = 30 * time.Second

// withSubjectLock runs fn while holding the shard lock for subjectID. Two
// issuances for one subject never overlap inside a process; the store's unique
// constraint covers the multi-process case.
func (c *Coordinator) withSubjectLock(ctx context.Context, subjectID string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("issuance aborted: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}

	lockStart := time.Now()
	c.locks.Lock(subjectID)
	subjectLockWaitDuration.Observe(time.Since(lockStart).Seconds())
	subjectLockAcquisitions.Inc()
	defer c.locks.Unlock(subjectID)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("issuance aborted: %w", err)
	}
	return fn(ctx)
}
