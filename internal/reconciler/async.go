package reconciler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// processAsync advances an asynchronous job by exactly one step per
// claim: submit the remote job on the first claim, then poll on each
// subsequent claim until the remote side completes and the pages can be
// drained. A worker never blocks waiting for the remote job.
func (e *Engine) processAsync(ctx context.Context, job *models.ReconciliationJob, provider chain.AsyncReconciliationProvider) error {
	if job.NovesJobID == nil {
		return e.submitAsync(ctx, job, provider)
	}

	// Remote jobs that outlive the provider timeout are terminal.
	if job.NovesJobStartedAt != nil &&
		e.clock.Now().Sub(*job.NovesJobStartedAt) > e.opts.AsyncJobTimeout {
		e.auditError(ctx, job, "", fmt.Sprintf(
			"remote job %s timed out after %s", *job.NovesJobID, e.opts.AsyncJobTimeout))
		if err := provider.Abort(ctx, *job.NovesJobID); err != nil {
			e.log.WithError(err).WithField("job_id", job.ID).Warn("failed to abort remote job")
		}
		return e.markFailed(ctx, job)
	}

	return e.pollAsync(ctx, job, provider)
}

func (e *Engine) submitAsync(ctx context.Context, job *models.ReconciliationJob, provider chain.AsyncReconciliationProvider) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	submitCtx, cancel := context.WithTimeout(ctx, e.opts.PageDeadline)
	defer cancel()

	remoteID, err := provider.Submit(submitCtx, job.Address, job.ChainAlias, chain.Range{
		FromBlock:     job.FromBlock,
		ToBlock:       job.ToBlock,
		FromTimestamp: job.FromTimestamp,
		ToTimestamp:   job.ToTimestamp,
	})
	if err != nil {
		return e.recordPageError(ctx, job, err)
	}

	if err := e.jobs.RecordAsyncSubmission(ctx, job.ID, remoteID, nil, e.clock.Now()); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"remote_id": remoteID,
	}).Info("remote reconciliation job submitted")
	return nil
}

func (e *Engine) pollAsync(ctx context.Context, job *models.ReconciliationJob, provider chain.AsyncReconciliationProvider) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	pollCtx, cancel := context.WithTimeout(ctx, e.opts.PageDeadline)
	result, err := provider.Poll(pollCtx, *job.NovesJobID, job.NovesNextPageURL)
	cancel()
	if err != nil {
		return e.recordPageError(ctx, job, err)
	}

	switch result.Status {
	case chain.RemoteJobInProgress:
		// Nothing to do; the claim already bumped updated_at, which is
		// what keeps polling fair across async jobs.
		return nil

	case chain.RemoteJobFailed:
		e.auditError(ctx, job, "", fmt.Sprintf("remote job %s failed", *job.NovesJobID))
		return e.markFailed(ctx, job)

	case chain.RemoteJobComplete:
		return e.drainAsync(ctx, job, provider, result)

	default:
		return e.recordPageError(ctx, job, fmt.Errorf("unknown remote job status %q", result.Status))
	}
}

// drainAsync consumes the completed remote job's pages exactly like the
// synchronous path, persisting the page URL between pages so a crash
// resumes where it stopped.
func (e *Engine) drainAsync(ctx context.Context, job *models.ReconciliationJob, provider chain.AsyncReconciliationProvider, first *chain.PollResult) error {
	result := first
	var maxBlock int64 = -1

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if result.Page != nil {
			delta, pageMax, err := e.reconcilePage(ctx, job, result.Page.Transactions)
			if err != nil {
				return e.recordPageError(ctx, job, err)
			}
			if pageMax > maxBlock {
				maxBlock = pageMax
			}
			if err := e.jobs.UpdateProgress(ctx, job.ID, nil, delta); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.PagesProcessed.Inc()
			}
		}

		if err := e.jobs.UpdateAsyncPage(ctx, job.ID, result.NextPageURL); err != nil {
			return err
		}
		if result.NextPageURL == nil {
			break
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		pageCtx, cancel := context.WithTimeout(ctx, e.opts.PageDeadline)
		next, err := provider.Poll(pageCtx, *job.NovesJobID, result.NextPageURL)
		cancel()
		if err != nil {
			return e.recordPageError(ctx, job, err)
		}
		result = next
	}

	return e.complete(ctx, job, maxBlock)
}
