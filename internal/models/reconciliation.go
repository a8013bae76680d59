package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobStatus is the lifecycle state of a reconciliation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobMode selects full-history or ranged reconciliation.
type JobMode string

const (
	ModeFull    JobMode = "full"
	ModePartial JobMode = "partial"
)

// AuditAction tags an audit trail entry.
type AuditAction string

const (
	AuditAdded       AuditAction = "added"
	AuditSoftDeleted AuditAction = "soft_deleted"
	AuditDiscrepancy AuditAction = "discrepancy"
	AuditError       AuditAction = "error"
)

// ReconciliationJob tracks one reconciliation run for an (address,
// chain) pair. At most one non-terminal job exists per pair. The noves_*
// fields carry the remote state of asynchronous providers.
type ReconciliationJob struct {
	ID                      uuid.UUID  `db:"id" json:"id"`
	Address                 string     `db:"address" json:"address"`
	ChainAlias              string     `db:"chain_alias" json:"chainAlias"`
	Status                  JobStatus  `db:"status" json:"status"`
	Provider                string     `db:"provider" json:"provider"`
	Mode                    JobMode    `db:"mode" json:"mode"`
	FromBlock               *int64     `db:"from_block" json:"fromBlock,omitempty"`
	ToBlock                 *int64     `db:"to_block" json:"toBlock,omitempty"`
	FinalBlock              *int64     `db:"final_block" json:"finalBlock,omitempty"`
	FromTimestamp           *time.Time `db:"from_timestamp" json:"fromTimestamp,omitempty"`
	ToTimestamp             *time.Time `db:"to_timestamp" json:"toTimestamp,omitempty"`
	LastProcessedCursor     *string    `db:"last_processed_cursor" json:"lastProcessedCursor,omitempty"`
	ProcessedCount          int64      `db:"processed_count" json:"processedCount"`
	TransactionsAdded       int64      `db:"transactions_added" json:"transactionsAdded"`
	TransactionsSoftDeleted int64      `db:"transactions_soft_deleted" json:"transactionsSoftDeleted"`
	DiscrepanciesFlagged    int64      `db:"discrepancies_flagged" json:"discrepanciesFlagged"`
	ErrorsCount             int64      `db:"errors_count" json:"errorsCount"`
	NovesJobID              *string    `db:"noves_job_id" json:"novesJobId,omitempty"`
	NovesNextPageURL        *string    `db:"noves_next_page_url" json:"novesNextPageUrl,omitempty"`
	NovesJobStartedAt       *time.Time `db:"noves_job_started_at" json:"novesJobStartedAt,omitempty"`
	NextRetryAt             *time.Time `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	CreatedAt               time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt               *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt             *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// ReconciliationAuditEntry is one append-only audit trail row. Entries
// are never updated or deleted.
type ReconciliationAuditEntry struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	JobID             uuid.UUID       `db:"job_id" json:"jobId"`
	TransactionHash   string          `db:"transaction_hash" json:"transactionHash"`
	Action            AuditAction     `db:"action" json:"action"`
	BeforeSnapshot    json.RawMessage `db:"before_snapshot" json:"beforeSnapshot,omitempty"`
	AfterSnapshot     json.RawMessage `db:"after_snapshot" json:"afterSnapshot,omitempty"`
	DiscrepancyFields pq.StringArray  `db:"discrepancy_fields" json:"discrepancyFields,omitempty"`
	ErrorMessage      *string         `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}
