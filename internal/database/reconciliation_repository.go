package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const jobColumns = `id, address, chain_alias, status, provider, mode, from_block, to_block,
	final_block, from_timestamp, to_timestamp, last_processed_cursor, processed_count,
	transactions_added, transactions_soft_deleted, discrepancies_flagged, errors_count,
	noves_job_id, noves_next_page_url, noves_job_started_at, next_retry_at,
	created_at, updated_at, started_at, completed_at`

// ReconciliationRepository persists reconciliation jobs and their
// append-only audit trail. The claim path is the concurrency-critical
// piece: SKIP LOCKED guarantees a job is processed by one worker at a
// time.
type ReconciliationRepository struct {
	db *sqlx.DB
}

func NewReconciliationRepository(db *sqlx.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// Create inserts a pending job. An existing non-terminal job for the
// same (LOWER(address), chain_alias) yields an *ActiveJobError carrying
// the blocking job's id.
func (r *ReconciliationRepository) Create(ctx context.Context, job *models.ReconciliationJob) (*models.ReconciliationJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	var out models.ReconciliationJob
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO reconciliation_jobs (id, address, chain_alias, status, provider, mode,
			from_block, to_block, from_timestamp, to_timestamp)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9)
		RETURNING `+jobColumns,
		job.ID, job.Address, job.ChainAlias, job.Provider, job.Mode,
		job.FromBlock, job.ToBlock, job.FromTimestamp, job.ToTimestamp)
	if err != nil {
		translated := translateError(err)
		if errors.Is(translated, ErrConflict) {
			if active, lookupErr := r.findActive(ctx, job.Address, job.ChainAlias); lookupErr == nil {
				return nil, &ActiveJobError{JobID: active.ID, Address: job.Address, ChainAlias: job.ChainAlias}
			}
			return nil, &ActiveJobError{Address: job.Address, ChainAlias: job.ChainAlias}
		}
		return nil, fmt.Errorf("job create: %w", translated)
	}
	return &out, nil
}

func (r *ReconciliationRepository) findActive(ctx context.Context, address, chainAlias string) (*models.ReconciliationJob, error) {
	var out models.ReconciliationJob
	err := r.db.GetContext(ctx, &out, `
		SELECT `+jobColumns+` FROM reconciliation_jobs
		WHERE LOWER(address) = LOWER($1) AND chain_alias = $2
		  AND status NOT IN ('completed', 'failed')`,
		address, chainAlias)
	if err != nil {
		return nil, translateError(err)
	}
	return &out, nil
}

// FindByID returns one job.
func (r *ReconciliationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	var out models.ReconciliationJob
	err := r.db.GetContext(ctx, &out, `
		SELECT `+jobColumns+` FROM reconciliation_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup: %w", translateError(err))
	}
	return &out, nil
}

// List returns a page of an address's jobs, newest first, plus the
// total count.
func (r *ReconciliationRepository) List(ctx context.Context, address, chainAlias string, offset, limit int) ([]models.ReconciliationJob, int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM reconciliation_jobs
		WHERE LOWER(address) = LOWER($1) AND chain_alias = $2`,
		address, chainAlias)
	if err != nil {
		return nil, 0, fmt.Errorf("job count: %w", translateError(err))
	}

	var out []models.ReconciliationJob
	err = r.db.SelectContext(ctx, &out, `
		SELECT `+jobColumns+` FROM reconciliation_jobs
		WHERE LOWER(address) = LOWER($1) AND chain_alias = $2
		ORDER BY created_at DESC, id DESC
		OFFSET $3 LIMIT $4`,
		address, chainAlias, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("job list: %w", translateError(err))
	}
	return out, total, nil
}

// ClaimNextPendingJob atomically hands one unit of work to a worker:
// the oldest pending job flips to running, or failing that the
// longest-unpolled running async job gets its updated_at bumped so
// polling stays fair across jobs. Returns ErrNotFound when there is
// nothing to do.
func (r *ReconciliationRepository) ClaimNextPendingJob(ctx context.Context, now time.Time) (*models.ReconciliationJob, error) {
	var claimed *models.ReconciliationJob
	err := WithSerializableTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var id uuid.UUID
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM reconciliation_jobs
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, now)
		switch {
		case err == nil:
			var out models.ReconciliationJob
			if err := tx.GetContext(ctx, &out, `
				UPDATE reconciliation_jobs SET
					status = 'running',
					started_at = NOW(),
					next_retry_at = NULL,
					updated_at = NOW()
				WHERE id = $1
				RETURNING `+jobColumns, id); err != nil {
				return fmt.Errorf("job claim flip: %w", translateError(err))
			}
			claimed = &out
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// Fall through to async polling.
		default:
			return fmt.Errorf("job claim select: %w", translateError(err))
		}

		err = tx.GetContext(ctx, &id, `
			SELECT id FROM reconciliation_jobs
			WHERE status = 'running' AND noves_job_id IS NOT NULL
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)
		switch {
		case err == nil:
			var out models.ReconciliationJob
			if err := tx.GetContext(ctx, &out, `
				UPDATE reconciliation_jobs SET updated_at = NOW()
				WHERE id = $1
				RETURNING `+jobColumns, id); err != nil {
				return fmt.Errorf("job claim poll bump: %w", translateError(err))
			}
			claimed = &out
			return nil
		case errors.Is(err, sql.ErrNoRows):
			return nil
		default:
			return fmt.Errorf("job claim async select: %w", translateError(err))
		}
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrNotFound
	}
	return claimed, nil
}

// ProgressDelta carries per-page counter increments. Counters are only
// ever added to; the repository never decrements.
type ProgressDelta struct {
	Processed     int64
	Added         int64
	SoftDeleted   int64
	Discrepancies int64
	Errors        int64
}

// UpdateProgress advances the cursor and counters after a processed
// page.
func (r *ReconciliationRepository) UpdateProgress(ctx context.Context, id uuid.UUID, cursor *string, delta ProgressDelta) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			last_processed_cursor = COALESCE($2, last_processed_cursor),
			processed_count = processed_count + $3,
			transactions_added = transactions_added + $4,
			transactions_soft_deleted = transactions_soft_deleted + $5,
			discrepancies_flagged = discrepancies_flagged + $6,
			errors_count = errors_count + $7,
			updated_at = NOW()
		WHERE id = $1`,
		id, cursor, delta.Processed, delta.Added, delta.SoftDeleted, delta.Discrepancies, delta.Errors)
	if err != nil {
		return fmt.Errorf("job progress: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// MarkCompleted terminates a job successfully, recording the last
// observed block.
func (r *ReconciliationRepository) MarkCompleted(ctx context.Context, id uuid.UUID, finalBlock *int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			status = 'completed',
			final_block = COALESCE($2, final_block),
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, finalBlock)
	if err != nil {
		return fmt.Errorf("job complete: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// MarkFailed terminates a job unsuccessfully.
func (r *ReconciliationRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			status = 'failed',
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id)
	if err != nil {
		return fmt.Errorf("job fail: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// Requeue returns a running job to pending after a retryable error,
// carrying the backoff hint.
func (r *ReconciliationRepository) Requeue(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			status = 'pending',
			started_at = NULL,
			next_retry_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, nextRetryAt)
	if err != nil {
		return fmt.Errorf("job requeue: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// RecordAsyncSubmission stores the remote job handle after an async
// provider accepted a submission. The job stays running; workers
// re-claim it through the polling branch.
func (r *ReconciliationRepository) RecordAsyncSubmission(ctx context.Context, id uuid.UUID, remoteJobID string, nextPageURL *string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			noves_job_id = $2,
			noves_next_page_url = $3,
			noves_job_started_at = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, remoteJobID, nextPageURL, startedAt)
	if err != nil {
		return fmt.Errorf("job async submit: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// UpdateAsyncPage advances the async drain position.
func (r *ReconciliationRepository) UpdateAsyncPage(ctx context.Context, id uuid.UUID, nextPageURL *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			noves_next_page_url = $2,
			updated_at = NOW()
		WHERE id = $1`,
		id, nextPageURL)
	if err != nil {
		return fmt.Errorf("job async page: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// DeletePending removes a job that has not started. A missing id yields
// ErrNotFound; a job past pending yields ErrConflict carrying its
// status.
func (r *ReconciliationRepository) DeletePending(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM reconciliation_jobs WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("job delete: %w", translateError(err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	var status models.JobStatus
	err = r.db.GetContext(ctx, &status, `
		SELECT status FROM reconciliation_jobs WHERE id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("job delete status: %w", translateError(err))
	}
	return fmt.Errorf("job is %s, only pending jobs can be deleted: %w", status, ErrConflict)
}

// ResetStaleRunningJobs returns crashed synchronous jobs to pending.
// Async jobs (noves_job_id set) are excluded: their liveness is governed
// by provider polling and its own timeout. Returns the number of
// recovered jobs.
func (r *ReconciliationRepository) ResetStaleRunningJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_jobs SET
			status = 'pending',
			started_at = NULL,
			updated_at = NOW()
		WHERE status = 'running' AND noves_job_id IS NULL AND started_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("job stale reset: %w", translateError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AppendAudit appends one audit entry. The trail is append-only; there
// is no update or delete path.
func (r *ReconciliationRepository) AppendAudit(ctx context.Context, entry *models.ReconciliationAuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_audit_log (id, job_id, transaction_hash, action,
			before_snapshot, after_snapshot, discrepancy_fields, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.JobID, entry.TransactionHash, entry.Action,
		entry.BeforeSnapshot, entry.AfterSnapshot, entry.DiscrepancyFields, entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("audit append: %w", translateError(err))
	}
	return nil
}

// ListAudit returns a job's audit tail, oldest first.
func (r *ReconciliationRepository) ListAudit(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ReconciliationAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.ReconciliationAuditEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, job_id, transaction_hash, action, before_snapshot, after_snapshot,
			discrepancy_fields, error_message, created_at
		FROM reconciliation_audit_log
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", translateError(err))
	}
	return out, nil
}
