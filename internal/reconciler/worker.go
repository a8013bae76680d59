package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Custodia-Network/treasury_core/internal/database"
)

// workerPool runs the claim loop and the stale-job sweeper. Each worker
// repeatedly claims one job and drives it; when nothing is claimable it
// sleeps for the claim interval.
type workerPool struct {
	engine *Engine

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	started        bool
	mu             sync.Mutex
}

func newWorkerPool(e *Engine) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{engine: e, shutdownCtx: ctx, shutdownCancel: cancel}
}

// Start launches the worker pool and the sweeper.
func (e *Engine) Start(ctx context.Context) error {
	return e.workers.start(ctx)
}

// Shutdown stops the pool, waiting up to timeout for in-flight jobs.
func (e *Engine) Shutdown(timeout time.Duration) error {
	return e.workers.shutdown(timeout)
}

func (p *workerPool) start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("reconciler: already started")
	}
	p.started = true

	e := p.engine
	e.log.WithField("workers", e.opts.Workers).Info("starting reconciliation workers")

	for i := 0; i < e.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	p.wg.Add(1)
	go p.sweeperLoop(ctx)
	return nil
}

func (p *workerPool) shutdown(timeout time.Duration) error {
	p.shutdownCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.engine.log.Info("reconciliation workers stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reconciler: shutdown timeout exceeded")
	}
}

func (p *workerPool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	e := p.engine
	log := e.log.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCtx.Done():
			return
		default:
		}

		job, err := e.ClaimNextJob(ctx)
		switch {
		case errors.Is(err, database.ErrNotFound):
			p.sleep(ctx, e.opts.ClaimInterval)
			continue
		case err != nil:
			log.WithError(err).Error("claim failed")
			p.sleep(ctx, e.opts.ClaimInterval)
			continue
		}

		if err := e.processJob(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).WithField("job_id", job.ID).Error("job processing failed")
		}
	}
}

func (p *workerPool) sweeperLoop(ctx context.Context) {
	defer p.wg.Done()
	e := p.engine

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCtx.Done():
			return
		case <-ticker.C:
			if _, err := e.ResetStaleRunningJobs(ctx, e.opts.StaleThreshold); err != nil {
				e.log.WithError(err).Error("stale job sweep failed")
			}
		}
	}
}

func (p *workerPool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.shutdownCtx.Done():
	case <-t.C:
	}
}
