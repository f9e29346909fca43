package worker

import (
	"context"
	"log/slog"
	"time"
)

// BeatConfig holds the maintenance cadences.
type BeatConfig struct {
	QueuePollInterval time.Duration
	ReclaimInterval   time.Duration
	ExpireInterval    time.Duration
}

// Beats submits periodic maintenance tasks to the pool: queue dispatch,
// idle reclaim, and lot expiration.
type Beats struct {
	pool   *Pool
	cfg    BeatConfig
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewBeats creates the beat scheduler.
func NewBeats(pool *Pool, cfg BeatConfig, logger *slog.Logger) *Beats {
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Minute
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = 24 * time.Hour
	}
	return &Beats{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the beat loop. Expiration runs once immediately so a
// restart never leaves expired lots spendable for a full day.
func (b *Beats) Start(ctx context.Context) {
	go b.loop(ctx)
	b.logger.Info("maintenance beats started",
		"queue_poll", b.cfg.QueuePollInterval,
		"reclaim", b.cfg.ReclaimInterval,
		"expire", b.cfg.ExpireInterval)
}

// Stop halts the beat loop.
func (b *Beats) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Beats) loop(ctx context.Context) {
	defer close(b.done)

	queueTicker := time.NewTicker(b.cfg.QueuePollInterval)
	defer queueTicker.Stop()
	reclaimTicker := time.NewTicker(b.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()
	expireTicker := time.NewTicker(b.cfg.ExpireInterval)
	defer expireTicker.Stop()

	b.submit(ctx, Task{Type: TaskExpireLots})

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-queueTicker.C:
			b.submit(ctx, Task{Type: TaskProcessQueue})
		case <-reclaimTicker.C:
			b.submit(ctx, Task{Type: TaskReclaimIdle})
		case <-expireTicker.C:
			b.submit(ctx, Task{Type: TaskExpireLots})
		}
	}
}

func (b *Beats) submit(ctx context.Context, t Task) {
	if err := b.pool.Submit(ctx, t); err != nil {
		b.logger.Warn("beat submit failed", "type", t.Type, "error", err)
	}
}
