package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"anypay.backend/internal/metrics"
	"anypay.backend/internal/usecases"
	"anypay.backend/pkg/logger"
)

// SweepFunc advances submitted settlement attempts once
type SweepFunc func(ctx context.Context) (usecases.ReconcileResult, error)

type bridgeReconciler interface {
	ReconcileOnce(ctx context.Context) (usecases.ReconcileResult, error)
}

type directTransferConfirmer interface {
	ConfirmDirectTransfers(ctx context.Context) (usecases.ReconcileResult, error)
}

// SweepJob runs a settlement sweep on a fixed interval. The first sweep runs at start so
// attempts left in flight by a previous process are picked up without waiting a full tick.
type SweepJob struct {
	name     string
	sweep    SweepFunc
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweepJob creates a job running sweep every interval
func NewSweepJob(name string, sweep SweepFunc, interval time.Duration) *SweepJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepJob{
		name:     name,
		sweep:    sweep,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// NewBridgeReconcileJob polls the bridge for cross-chain attempts
func NewBridgeReconcileJob(r bridgeReconciler, interval time.Duration) *SweepJob {
	return NewSweepJob("bridge_reconcile", r.ReconcileOnce, interval)
}

// NewDirectTransferJob confirms same-chain transfers once they are deep enough
func NewDirectTransferJob(c directTransferConfirmer, interval time.Duration) *SweepJob {
	return NewSweepJob("direct_transfer", c.ConfirmDirectTransfers, interval)
}

// Start blocks until ctx is cancelled or Stop is called
func (j *SweepJob) Start(ctx context.Context) {
	logger.Info(ctx, "Starting settlement sweep job", zap.String("job", j.name), zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Settlement sweep job stopped (context cancelled)", zap.String("job", j.name))
			return
		case <-j.stop:
			logger.Info(ctx, "Settlement sweep job stopped", zap.String("job", j.name))
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// Stop ends Start; it is safe to call more than once
func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *SweepJob) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	res, err := j.sweep(ctx)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(j.name, "sweep").Inc()
		logger.Error(ctx, "Settlement sweep failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	if res.Checked == 0 {
		return
	}

	logger.Info(ctx, "Settlement sweep finished",
		zap.String("job", j.name),
		zap.Int("checked", res.Checked),
		zap.Int("confirmed", res.Confirmed),
		zap.Int("failed", res.Failed),
		zap.Int("pending", res.Pending),
		zap.Duration("took", time.Since(start)),
	)
}
