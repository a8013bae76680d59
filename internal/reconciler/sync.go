package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// processJob drives one claimed job forward. Synchronous jobs drain to
// the end of the provider stream; asynchronous jobs advance one
// submit/poll step per claim.
func (e *Engine) processJob(ctx context.Context, job *models.ReconciliationJob) error {
	if async, ok := e.asyncs[job.Provider]; ok {
		return e.processAsync(ctx, job, async)
	}
	if sync, ok := e.syncs[job.Provider]; ok {
		return e.processSync(ctx, job, sync)
	}
	// A job whose provider vanished from configuration cannot make
	// progress; fail it with an audit entry.
	msg := fmt.Sprintf("provider %q is not configured", job.Provider)
	e.auditError(ctx, job, "", msg)
	return e.markFailed(ctx, job)
}

func (e *Engine) processSync(ctx context.Context, job *models.ReconciliationJob, provider chain.SyncReconciliationProvider) error {
	cursor := ""
	if job.LastProcessedCursor != nil {
		cursor = *job.LastProcessedCursor
	}
	rng := chain.Range{
		FromBlock:     job.FromBlock,
		ToBlock:       job.ToBlock,
		FromTimestamp: job.FromTimestamp,
		ToTimestamp:   job.ToTimestamp,
	}

	var maxBlock int64 = -1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.fetchPage(ctx, provider, job, cursor, rng)
		if err != nil {
			return e.recordPageError(ctx, job, err)
		}

		delta, pageMax, err := e.reconcilePage(ctx, job, page.Transactions)
		if err != nil {
			return e.recordPageError(ctx, job, err)
		}
		if pageMax > maxBlock {
			maxBlock = pageMax
		}

		var next *string
		if page.NextCursor != "" {
			next = &page.NextCursor
		}
		if err := e.jobs.UpdateProgress(ctx, job.ID, next, delta); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.PagesProcessed.Inc()
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return e.complete(ctx, job, maxBlock)
}

// complete finishes a drained job: in full mode, rows the stream never
// reported are soft-deleted first, then the job goes terminal and the
// address watermark advances.
func (e *Engine) complete(ctx context.Context, job *models.ReconciliationJob, maxBlock int64) error {
	if job.Mode == models.ModeFull {
		if err := e.sweepVanished(ctx, job); err != nil {
			return err
		}
	}

	var finalBlock *int64
	if maxBlock >= 0 {
		finalBlock = &maxBlock
	}
	if err := e.jobs.MarkCompleted(ctx, job.ID, finalBlock); err != nil {
		return err
	}
	if finalBlock != nil && e.addrs != nil && job.Mode == models.ModeFull {
		if err := e.addrs.UpdateLastReconciledBlock(ctx, job.Address, job.ChainAlias, *finalBlock); err != nil {
			e.log.WithError(err).WithField("job_id", job.ID).Warn("failed to advance address watermark")
		}
	}
	if e.metrics != nil {
		e.metrics.JobsCompleted.WithLabelValues(string(models.JobStatusCompleted)).Inc()
	}
	e.log.WithFields(logrus.Fields{"job_id": job.ID, "final_block": maxBlock}).Info("reconciliation job completed")
	return nil
}

// sweepVanished soft-deletes the address's rows the drained stream never
// touched. Every observation bumps updated_at, so anything last updated
// before the job was created has vanished from the provider's view.
func (e *Engine) sweepVanished(ctx context.Context, job *models.ReconciliationJob) error {
	vanished, err := e.txs.FindVanishedByAddress(ctx, database.VanishedTransactionQuery{
		ChainAlias:     job.ChainAlias,
		Address:        job.Address,
		ObservedBefore: job.CreatedAt,
		FromBlock:      job.FromBlock,
		ToBlock:        job.ToBlock,
		FromTimestamp:  job.FromTimestamp,
		ToTimestamp:    job.ToTimestamp,
	})
	if err != nil {
		return err
	}

	var deleted int64
	for i := range vanished {
		local := &vanished[i]
		before, _ := json.Marshal(local)
		if err := e.txs.SoftDelete(ctx, local.ID); err != nil {
			return err
		}
		e.audit(ctx, &models.ReconciliationAuditEntry{
			JobID:           job.ID,
			TransactionHash: local.TxHash,
			Action:          models.AuditSoftDeleted,
			BeforeSnapshot:  before,
		})
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	if err := e.jobs.UpdateProgress(ctx, job.ID, nil, database.ProgressDelta{SoftDeleted: deleted}); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"job_id": job.ID, "count": deleted}).Info("soft-deleted vanished transactions")
	return nil
}

// fetchPage wraps one provider call with the rate limiter and the
// per-page deadline.
func (e *Engine) fetchPage(ctx context.Context, provider chain.SyncReconciliationProvider, job *models.ReconciliationJob, cursor string, rng chain.Range) (*chain.Page, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	pageCtx, cancel := context.WithTimeout(ctx, e.opts.PageDeadline)
	defer cancel()
	return provider.FetchPage(pageCtx, job.Address, job.ChainAlias, cursor, rng)
}

// reconcilePage compares one provider page against the local index:
// missing rows are inserted, soft-deleted rows reattached, and field
// drift flagged as a discrepancy. Every observation lands in the audit
// trail.
func (e *Engine) reconcilePage(ctx context.Context, job *models.ReconciliationJob, records []chain.TxRecord) (database.ProgressDelta, int64, error) {
	delta := database.ProgressDelta{Processed: int64(len(records))}
	var maxBlock int64 = -1

	for _, rec := range records {
		if rec.BlockNumber > maxBlock {
			maxBlock = rec.BlockNumber
		}

		local, err := e.txs.FindByChainAliasAndHash(ctx, job.ChainAlias, rec.TxHash)
		switch {
		case errors.Is(err, database.ErrNotFound):
			if err := e.insertObserved(ctx, job, rec, nil); err != nil {
				return delta, maxBlock, err
			}
			delta.Added++

		case err != nil:
			return delta, maxBlock, err

		case local.DeletedAt != nil:
			// Reattach a soft-deleted row; the upsert clears deleted_at.
			before, _ := json.Marshal(local)
			if err := e.insertObserved(ctx, job, rec, before); err != nil {
				return delta, maxBlock, err
			}
			delta.Added++

		default:
			fields := driftFields(local, rec)
			if len(fields) == 0 {
				// Unchanged rows are still observed; the touch keeps
				// them out of the vanished-row sweep.
				if err := e.txs.Touch(ctx, local.ID); err != nil {
					return delta, maxBlock, err
				}
				continue
			}
			before, _ := json.Marshal(local)
			updated, err := e.txs.Upsert(ctx, recordToTransaction(job.ChainAlias, rec))
			if err != nil {
				return delta, maxBlock, err
			}
			after, _ := json.Marshal(updated)
			e.audit(ctx, &models.ReconciliationAuditEntry{
				JobID:             job.ID,
				TransactionHash:   updated.TxHash,
				Action:            models.AuditDiscrepancy,
				BeforeSnapshot:    before,
				AfterSnapshot:     after,
				DiscrepancyFields: fields,
			})
			delta.Discrepancies++
		}
	}
	return delta, maxBlock, nil
}

func (e *Engine) insertObserved(ctx context.Context, job *models.ReconciliationJob, rec chain.TxRecord, before json.RawMessage) error {
	inserted, err := e.txs.Upsert(ctx, recordToTransaction(job.ChainAlias, rec))
	if err != nil {
		return err
	}
	if err := e.txs.LinkAddress(ctx, &models.AddressTransaction{
		Address:    job.Address,
		ChainAlias: job.ChainAlias,
		TxID:       inserted.ID,
		Timestamp:  inserted.Timestamp,
		Direction:  rec.Direction,
	}); err != nil {
		return err
	}
	after, _ := json.Marshal(inserted)
	e.audit(ctx, &models.ReconciliationAuditEntry{
		JobID:           job.ID,
		TransactionHash: inserted.TxHash,
		Action:          models.AuditAdded,
		BeforeSnapshot:  before,
		AfterSnapshot:   after,
	})
	return nil
}

// recordPageError books a provider failure: audit entry, error counter,
// then either a backoff requeue or a terminal failure once the error
// budget is spent. Cancellation is passed through untouched so the
// claim can be retried after restart.
func (e *Engine) recordPageError(ctx context.Context, job *models.ReconciliationJob, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}

	e.auditError(ctx, job, "", cause.Error())
	if err := e.jobs.UpdateProgress(ctx, job.ID, nil, database.ProgressDelta{Errors: 1}); err != nil {
		return err
	}
	errorsSoFar := job.ErrorsCount + 1

	if !chain.Retryable(cause) || errorsSoFar >= int64(e.opts.MaxErrors) {
		return e.markFailed(ctx, job)
	}

	wait := e.backoff(errorsSoFar)
	if err := e.jobs.Requeue(ctx, job.ID, e.clock.Now().Add(wait)); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.JobsRequeued.Inc()
	}
	e.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"errors":  errorsSoFar,
		"backoff": wait,
	}).WithError(cause).Warn("reconciliation page failed, requeued")
	return nil
}

func (e *Engine) markFailed(ctx context.Context, job *models.ReconciliationJob) error {
	if err := e.jobs.MarkFailed(ctx, job.ID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.JobsCompleted.WithLabelValues(string(models.JobStatusFailed)).Inc()
	}
	e.log.WithField("job_id", job.ID).Error("reconciliation job failed")
	return nil
}

func (e *Engine) audit(ctx context.Context, entry *models.ReconciliationAuditEntry) {
	if err := e.jobs.AppendAudit(ctx, entry); err != nil {
		e.log.WithError(err).WithField("job_id", entry.JobID).Error("failed to append audit entry")
		return
	}
	if e.metrics != nil {
		e.metrics.AuditEntries.WithLabelValues(string(entry.Action)).Inc()
	}
}

func (e *Engine) auditError(ctx context.Context, job *models.ReconciliationJob, txHash, msg string) {
	e.audit(ctx, &models.ReconciliationAuditEntry{
		JobID:           job.ID,
		TransactionHash: txHash,
		Action:          models.AuditError,
		ErrorMessage:    &msg,
	})
}

func recordToTransaction(chainAlias string, rec chain.TxRecord) *models.Transaction {
	return &models.Transaction{
		ChainAlias:  chainAlias,
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		BlockHash:   rec.BlockHash,
		TxIndex:     rec.TxIndex,
		FromAddress: rec.FromAddress,
		ToAddress:   rec.ToAddress,
		Value:       rec.Value,
		Fee:         rec.Fee,
		Status:      rec.Status,
		Timestamp:   rec.Timestamp,
	}
}

// driftFields lists the columns where the provider record disagrees
// with the local row.
func driftFields(local *models.Transaction, rec chain.TxRecord) []string {
	var fields []string
	if local.BlockNumber != rec.BlockNumber {
		fields = append(fields, "blockNumber")
	}
	if local.BlockHash != rec.BlockHash {
		fields = append(fields, "blockHash")
	}
	if local.Status != rec.Status {
		fields = append(fields, "status")
	}
	if local.Value != rec.Value {
		fields = append(fields, "value")
	}
	if !local.Timestamp.Equal(rec.Timestamp) {
		fields = append(fields, "timestamp")
	}
	return fields
}
