// Package reconciler drives blockchain reconciliation jobs: claiming
// per-(address, chain) work, paging provider history against the local
// transaction index, and writing the append-only audit trail.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/clock"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/metrics"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// JobStore is the persistence contract for jobs and their audit trail;
// implemented by database.ReconciliationRepository.
type JobStore interface {
	Create(ctx context.Context, job *models.ReconciliationJob) (*models.ReconciliationJob, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	List(ctx context.Context, address, chainAlias string, offset, limit int) ([]models.ReconciliationJob, int64, error)
	ClaimNextPendingJob(ctx context.Context, now time.Time) (*models.ReconciliationJob, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, cursor *string, delta database.ProgressDelta) error
	MarkCompleted(ctx context.Context, id uuid.UUID, finalBlock *int64) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error
	RecordAsyncSubmission(ctx context.Context, id uuid.UUID, remoteJobID string, nextPageURL *string, startedAt time.Time) error
	UpdateAsyncPage(ctx context.Context, id uuid.UUID, nextPageURL *string) error
	DeletePending(ctx context.Context, id uuid.UUID) error
	ResetStaleRunningJobs(ctx context.Context, cutoff time.Time) (int64, error)
	AppendAudit(ctx context.Context, entry *models.ReconciliationAuditEntry) error
	ListAudit(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ReconciliationAuditEntry, error)
}

// TxIndex is the slice of the transaction repository the engine
// compares provider history against.
type TxIndex interface {
	Upsert(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
	FindByChainAliasAndHash(ctx context.Context, chainAlias, txHash string) (*models.Transaction, error)
	LinkAddress(ctx context.Context, link *models.AddressTransaction) error
	Touch(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	FindVanishedByAddress(ctx context.Context, q database.VanishedTransactionQuery) ([]models.Transaction, error)
}

// AddressIndex advances the per-address reconciliation watermark.
type AddressIndex interface {
	UpdateLastReconciledBlock(ctx context.Context, address, chainAlias string, block int64) error
}

// Options are the engine knobs; zero values fall back to the documented
// defaults.
type Options struct {
	Workers          int
	ClaimInterval    time.Duration
	StaleThreshold   time.Duration
	SweepInterval    time.Duration
	MaxErrors        int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	AsyncJobTimeout  time.Duration
	PageDeadline     time.Duration
	RateLimit        float64
	RateBurst        int
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 5 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 5
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = 30 * time.Second
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 15 * time.Minute
	}
	if o.AsyncJobTimeout <= 0 {
		o.AsyncJobTimeout = 30 * time.Minute
	}
	if o.PageDeadline <= 0 {
		o.PageDeadline = 30 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
}

// Config wires the engine.
type Config struct {
	Jobs           JobStore
	Transactions   TxIndex
	Addresses      AddressIndex
	SyncProviders  map[string]chain.SyncReconciliationProvider
	AsyncProviders map[string]chain.AsyncReconciliationProvider
	Clock          clock.Clock
	Logger         *logrus.Entry
	Metrics        *metrics.Metrics
	Options        Options
}

// Engine is the reconciliation job engine.
type Engine struct {
	jobs    JobStore
	txs     TxIndex
	addrs   AddressIndex
	syncs   map[string]chain.SyncReconciliationProvider
	asyncs  map[string]chain.AsyncReconciliationProvider
	clock   clock.Clock
	log     *logrus.Entry
	metrics *metrics.Metrics
	opts    Options
	limiter *rate.Limiter

	workers *workerPool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Jobs == nil || cfg.Transactions == nil {
		return nil, fmt.Errorf("reconciler: job store and transaction index are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Options.defaults()

	e := &Engine{
		jobs:    cfg.Jobs,
		txs:     cfg.Transactions,
		addrs:   cfg.Addresses,
		syncs:   cfg.SyncProviders,
		asyncs:  cfg.AsyncProviders,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		opts:    cfg.Options,
		limiter: rate.NewLimiter(rate.Limit(cfg.Options.RateLimit), cfg.Options.RateBurst),
	}
	e.workers = newWorkerPool(e)
	return e, nil
}

// CreateJobParams describes a reconciliation request.
type CreateJobParams struct {
	Address       string
	ChainAlias    string
	Provider      string
	Mode          models.JobMode
	FromBlock     *int64
	ToBlock       *int64
	FromTimestamp *time.Time
	ToTimestamp   *time.Time
}

// ValidationError marks bad caller input; the transport layer maps it
// to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// CreateJob registers a pending job. A second job for the same
// (address, chain) while one is active yields *database.ActiveJobError.
func (e *Engine) CreateJob(ctx context.Context, p CreateJobParams) (*models.ReconciliationJob, error) {
	if strings.TrimSpace(p.Address) == "" {
		return nil, validationf("address is required")
	}
	if strings.TrimSpace(p.ChainAlias) == "" {
		return nil, validationf("chain alias is required")
	}
	if p.Mode == "" {
		p.Mode = models.ModeFull
	}
	if p.Mode != models.ModeFull && p.Mode != models.ModePartial {
		return nil, validationf("unknown mode %q", p.Mode)
	}
	if _, okSync := e.syncs[p.Provider]; !okSync {
		if _, okAsync := e.asyncs[p.Provider]; !okAsync {
			return nil, validationf("unknown provider %q", p.Provider)
		}
	}

	job, err := e.jobs.Create(ctx, &models.ReconciliationJob{
		Address:       p.Address,
		ChainAlias:    p.ChainAlias,
		Provider:      p.Provider,
		Mode:          p.Mode,
		FromBlock:     p.FromBlock,
		ToBlock:       p.ToBlock,
		FromTimestamp: p.FromTimestamp,
		ToTimestamp:   p.ToTimestamp,
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"address":  job.Address,
		"chain":    job.ChainAlias,
		"provider": job.Provider,
		"mode":     job.Mode,
	}).Info("reconciliation job created")
	return job, nil
}

// auditTailLimit caps the audit entries returned with a job detail.
const auditTailLimit = 200

// JobDetail is a job with its audit tail. AuditTruncated reports that
// the trail holds more entries than the tail carries.
type JobDetail struct {
	Job            *models.ReconciliationJob
	AuditLog       []models.ReconciliationAuditEntry
	AuditTruncated bool
}

// GetJob returns one job with its audit tail.
func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (*JobDetail, error) {
	job, err := e.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	audit, err := e.jobs.ListAudit(ctx, id, auditTailLimit+1)
	if err != nil {
		return nil, err
	}
	detail := &JobDetail{Job: job, AuditLog: audit}
	if len(audit) > auditTailLimit {
		detail.AuditLog = audit[:auditTailLimit]
		detail.AuditTruncated = true
	}
	return detail, nil
}

// ListJobs returns a page of an address's jobs plus the total count.
func (e *Engine) ListJobs(ctx context.Context, address, chainAlias string, offset, limit int) ([]models.ReconciliationJob, int64, error) {
	if strings.TrimSpace(address) == "" || strings.TrimSpace(chainAlias) == "" {
		return nil, 0, validationf("address and chain alias are required")
	}
	if limit < 1 || limit > 100 {
		return nil, 0, validationf("limit must be between 1 and 100")
	}
	if offset < 0 {
		return nil, 0, validationf("offset must not be negative")
	}
	return e.jobs.List(ctx, address, chainAlias, offset, limit)
}

// DeleteJob removes a job that has not started yet.
func (e *Engine) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return e.jobs.DeletePending(ctx, id)
}

// ClaimNextJob hands one unit of work to the caller, or
// database.ErrNotFound when nothing is claimable.
func (e *Engine) ClaimNextJob(ctx context.Context) (*models.ReconciliationJob, error) {
	job, err := e.jobs.ClaimNextPendingJob(ctx, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		kind := "pending"
		if job.NovesJobID != nil {
			kind = "poll"
		}
		e.metrics.JobsClaimed.WithLabelValues(kind).Inc()
	}
	return job, nil
}

// ResetStaleRunningJobs recovers synchronous jobs whose worker died.
func (e *Engine) ResetStaleRunningJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = e.opts.StaleThreshold
	}
	n, err := e.jobs.ResetStaleRunningJobs(ctx, e.clock.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if e.metrics != nil {
			e.metrics.JobsRecovered.Add(float64(n))
		}
		e.log.WithField("count", n).Warn("reset stale running jobs")
	}
	return n, nil
}

// backoff computes the retry delay for the given error ordinal,
// exponential from the configured base and capped at the configured
// maximum.
func (e *Engine) backoff(errorsSoFar int64) time.Duration {
	d := e.opts.RetryBackoffBase
	for i := int64(1); i < errorsSoFar; i++ {
		d *= 2
		if d >= e.opts.RetryBackoffMax {
			return e.opts.RetryBackoffMax
		}
	}
	if d > e.opts.RetryBackoffMax {
		return e.opts.RetryBackoffMax
	}
	return d
}
