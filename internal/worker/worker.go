// Package worker is the background task runtime: a bounded pool that runs
// voice allocations, synthesis jobs, and periodic maintenance beats with
// retry and backoff.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/retry"
	"github.com/storyvoice/storyvoice/internal/slots"
	"github.com/storyvoice/storyvoice/internal/synthesis"
)

// TaskType identifies what a task does.
type TaskType string

const (
	TaskAllocate     TaskType = "allocate"
	TaskSynthesize   TaskType = "synthesize"
	TaskProcessQueue TaskType = "process_queue"
	TaskReclaimIdle  TaskType = "reclaim_idle"
	TaskExpireLots   TaskType = "expire_lots"
)

// Task is one unit of background work. ID is the voice or job the task
// targets; maintenance tasks leave it empty.
type Task struct {
	Type TaskType
	ID   string
}

// LotExpirer zeroes expired credit lots. Implemented by credits.Ledger.
type LotExpirer interface {
	ExpireNow(ctx context.Context) (int, error)
}

// MonthlyGranter issues the monthly credit lots. Implemented by the billing
// service; nil disables the beat.
type MonthlyGranter interface {
	GrantMonthly(ctx context.Context) (int, error)
}

// Config holds the pool's sizing and retry knobs.
type Config struct {
	PoolSize    int
	QueueDepth  int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// TaskTimeout bounds a single task run including its retries.
	TaskTimeout time.Duration
}

// Pool runs tasks on a fixed number of workers. It implements
// slots.Dispatcher and synthesis.Dispatcher.
type Pool struct {
	slots   *slots.Manager
	orch    *synthesis.Orchestrator
	expirer LotExpirer
	granter MonthlyGranter
	cfg     Config
	tasks   chan Task
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPool creates a worker pool. Call Start before dispatching.
func NewPool(slotMgr *slots.Manager, orch *synthesis.Orchestrator, expirer LotExpirer, granter MonthlyGranter, cfg Config, logger *slog.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.PoolSize * 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Pool{
		slots:   slotMgr,
		orch:    orch,
		expirer: expirer,
		granter: granter,
		cfg:     cfg,
		tasks:   make(chan Task, cfg.QueueDepth),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	finished := make(chan struct{}, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		go func() {
			defer func() { finished <- struct{}{} }()
			p.workerLoop(ctx)
		}()
	}
	go func() {
		for i := 0; i < p.cfg.PoolSize; i++ {
			<-finished
		}
		close(p.done)
	}()
	p.logger.Info("worker pool started", "workers", p.cfg.PoolSize)
}

// Stop drains nothing: queued tasks not yet started are dropped. In-flight
// tasks finish their current attempt.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done
}

// DispatchAllocate implements slots.Dispatcher.
func (p *Pool) DispatchAllocate(ctx context.Context, voiceID string) error {
	return p.submit(ctx, Task{Type: TaskAllocate, ID: voiceID})
}

// DispatchSynthesize implements synthesis.Dispatcher.
func (p *Pool) DispatchSynthesize(ctx context.Context, jobID string) error {
	return p.submit(ctx, Task{Type: TaskSynthesize, ID: jobID})
}

// Submit enqueues any task. Beats use it for maintenance work.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	return p.submit(ctx, t)
}

func (p *Pool) submit(ctx context.Context, t Task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-p.stop:
		return fmt.Errorf("worker pool stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case t := <-p.tasks:
			p.run(ctx, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	var err error
	switch t.Type {
	case TaskAllocate:
		err = p.runAllocate(ctx, t.ID)
	case TaskSynthesize:
		err = p.runSynthesize(ctx, t.ID)
	case TaskProcessQueue:
		_, err = p.slots.ProcessQueue(ctx)
	case TaskReclaimIdle:
		err = p.runReclaim(ctx)
	case TaskExpireLots:
		err = p.runExpire(ctx)
	default:
		err = fmt.Errorf("unknown task type %q", t.Type)
	}

	result := "ok"
	if err != nil {
		result = "error"
		p.logger.Error("task failed", "type", t.Type, "id", t.ID, "error", err)
	}
	metrics.WorkerTasksTotal.WithLabelValues(string(t.Type), result).Inc()
}

// runAllocate retries transient provider failures; a voice whose allocation
// fails permanently is already marked by the slot manager. Exhausting
// retries marks it failed here.
func (p *Pool) runAllocate(ctx context.Context, voiceID string) error {
	var permanent bool
	err := retry.DoCapped(ctx, p.cfg.MaxRetries, p.cfg.BackoffBase, p.cfg.BackoffCap, func() error {
		err := p.slots.Allocate(ctx, voiceID)
		if retry.IsPermanent(err) {
			permanent = true
		}
		return err
	})
	if err == nil || permanent {
		return err
	}
	if failErr := p.slots.FailAllocation(ctx, voiceID, err); failErr != nil {
		p.logger.Error("marking allocation failed failed", "voice_id", voiceID, "error", failErr)
	}
	return err
}

func (p *Pool) runSynthesize(ctx context.Context, jobID string) error {
	var permanent bool
	err := retry.DoCapped(ctx, p.cfg.MaxRetries, p.cfg.BackoffBase, p.cfg.BackoffCap, func() error {
		err := p.orch.ProcessJob(ctx, jobID)
		if retry.IsPermanent(err) {
			permanent = true
		}
		return err
	})
	if err == nil || permanent {
		return err
	}
	if failErr := p.orch.FailJob(ctx, jobID, err); failErr != nil && !retry.IsPermanent(failErr) {
		p.logger.Error("marking job failed failed", "job_id", jobID, "error", failErr)
	}
	return err
}

func (p *Pool) runReclaim(ctx context.Context) error {
	if _, _, err := p.slots.ReclaimIdle(ctx); err != nil {
		return err
	}
	_, err := p.slots.RepairDrift(ctx)
	return err
}

func (p *Pool) runExpire(ctx context.Context) error {
	if _, err := p.expirer.ExpireNow(ctx); err != nil {
		return err
	}
	if p.granter != nil {
		if _, err := p.granter.GrantMonthly(ctx); err != nil {
			return err
		}
	}
	return nil
}
