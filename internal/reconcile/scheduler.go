package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type scheduler struct {
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// Start runs a cycle immediately and then every Interval until Stop. A failed
// cycle is retried after RetryDelay, growing towards Interval while failures persist.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	if !r.cfg.Enabled {
		r.mu.Unlock()
		r.logger.Info("Reconciler is disabled")
		return nil
	}
	r.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("Reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("retry_delay", r.cfg.RetryDelay),
	)
	return nil
}

// Stop cancels the running cycle and waits for the loop to exit, or for ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Reconciler stopped gracefully")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Reconciler stop timed out")
		return ctx.Err()
	}
}

func (r *Reconciler) newRetryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryDelay
	policy.MaxInterval = r.cfg.Interval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// nextDelay is the wait before the next cycle given the last cycle's error.
func (r *Reconciler) nextDelay(err error, policy backoff.BackOff) time.Duration {
	if err == nil {
		policy.Reset()
		return r.cfg.Interval
	}
	return policy.NextBackOff()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	policy := r.newRetryPolicy()
	for {
		result, err := r.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Error("Reconcile cycle failed", zap.Error(err))
		} else {
			r.logger.Info("Reconcile cycle completed",
				zap.Int("customers", result.Customers),
				zap.Int("updated", result.Updated),
				zap.Int("failed", result.Failed),
				zap.Int("resets", result.Resets),
			)
		}

		delay := r.nextDelay(err, policy)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
