package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/clock"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

var testNow = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

// fakeJobStore keeps jobs and audit entries in memory. Claim semantics
// mirror the repository: oldest pending first, then the
// longest-unpolled running async job.
type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.ReconciliationJob
	audit []models.ReconciliationAuditEntry
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*models.ReconciliationJob{}}
}

func (s *fakeJobStore) get(id uuid.UUID) *models.ReconciliationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *fakeJobStore) Create(_ context.Context, job *models.ReconciliationJob) (*models.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Address == job.Address && existing.ChainAlias == job.ChainAlias && !existing.Status.Terminal() {
			return nil, &database.ActiveJobError{JobID: existing.ID, Address: job.Address, ChainAlias: job.ChainAlias}
		}
	}
	cp := *job
	cp.ID = uuid.New()
	cp.Status = models.JobStatusPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeJobStore) FindByID(_ context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *fakeJobStore) List(_ context.Context, address, chainAlias string, offset, limit int) ([]models.ReconciliationJob, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReconciliationJob
	for _, job := range s.jobs {
		if job.Address == address && job.ChainAlias == chainAlias {
			out = append(out, *job)
		}
	}
	return out, int64(len(out)), nil
}

func (s *fakeJobStore) ClaimNextPendingJob(_ context.Context, now time.Time) (*models.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.ReconciliationJob
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest != nil {
		oldest.Status = models.JobStatusRunning
		t := now
		if oldest.StartedAt == nil {
			oldest.StartedAt = &t
		}
		oldest.UpdatedAt = now
		out := *oldest
		return &out, nil
	}

	var stalest *models.ReconciliationJob
	for _, job := range s.jobs {
		if job.Status != models.JobStatusRunning || job.NovesJobID == nil {
			continue
		}
		if stalest == nil || job.UpdatedAt.Before(stalest.UpdatedAt) {
			stalest = job
		}
	}
	if stalest != nil {
		stalest.UpdatedAt = now
		out := *stalest
		return &out, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeJobStore) UpdateProgress(_ context.Context, id uuid.UUID, cursor *string, delta database.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if cursor != nil {
		job.LastProcessedCursor = cursor
	}
	job.ProcessedCount += delta.Processed
	job.TransactionsAdded += delta.Added
	job.TransactionsSoftDeleted += delta.SoftDeleted
	job.DiscrepanciesFlagged += delta.Discrepancies
	job.ErrorsCount += delta.Errors
	return nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, id uuid.UUID, finalBlock *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.JobStatusCompleted
	job.FinalBlock = finalBlock
	t := time.Now()
	job.CompletedAt = &t
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.JobStatusFailed
	t := time.Now()
	job.CompletedAt = &t
	return nil
}

func (s *fakeJobStore) Requeue(_ context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.JobStatusPending
	t := nextRetryAt
	job.NextRetryAt = &t
	return nil
}

func (s *fakeJobStore) RecordAsyncSubmission(_ context.Context, id uuid.UUID, remoteJobID string, nextPageURL *string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.NovesJobID = &remoteJobID
	job.NovesNextPageURL = nextPageURL
	t := startedAt
	job.NovesJobStartedAt = &t
	return nil
}

func (s *fakeJobStore) UpdateAsyncPage(_ context.Context, id uuid.UUID, nextPageURL *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].NovesNextPageURL = nextPageURL
	return nil
}

func (s *fakeJobStore) DeletePending(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job is %s: %w", job.Status, database.ErrConflict)
	}
	delete(s.jobs, id)
	return nil
}

func (s *fakeJobStore) ResetStaleRunningJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning && job.NovesJobID == nil && job.UpdatedAt.Before(cutoff) {
			job.Status = models.JobStatusPending
			n++
		}
	}
	return n, nil
}

func (s *fakeJobStore) AppendAudit(_ context.Context, entry *models.ReconciliationAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now()
	s.audit = append(s.audit, cp)
	return nil
}

func (s *fakeJobStore) ListAudit(_ context.Context, jobID uuid.UUID, limit int) ([]models.ReconciliationAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReconciliationAuditEntry
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeJobStore) auditActions(jobID uuid.UUID) []models.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditAction
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e.Action)
		}
	}
	return out
}

// fakeTxIndex is an in-memory (chain, lowercase hash) transaction index.
type fakeTxIndex struct {
	mu    sync.Mutex
	rows  map[string]*models.Transaction
	links []models.AddressTransaction
}

func newFakeTxIndex() *fakeTxIndex {
	return &fakeTxIndex{rows: map[string]*models.Transaction{}}
}

func txKey(chainAlias, hash string) string { return chainAlias + "/" + hash }

func (f *fakeTxIndex) Upsert(_ context.Context, t *models.Transaction) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	if existing, ok := f.rows[txKey(t.ChainAlias, t.TxHash)]; ok {
		cp.ID = existing.ID
	} else if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.DeletedAt = nil
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	f.rows[txKey(t.ChainAlias, t.TxHash)] = &cp
	out := cp
	return &out, nil
}

func (f *fakeTxIndex) FindByChainAliasAndHash(_ context.Context, chainAlias, txHash string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[txKey(chainAlias, txHash)]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (f *fakeTxIndex) LinkAddress(_ context.Context, link *models.AddressTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, *link)
	return nil
}

func (f *fakeTxIndex) Touch(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeTxIndex) SoftDelete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id && row.DeletedAt == nil {
			now := time.Now()
			row.DeletedAt = &now
			row.UpdatedAt = now
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeTxIndex) FindVanishedByAddress(_ context.Context, q database.VanishedTransactionQuery) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	linked := map[uuid.UUID]bool{}
	for _, l := range f.links {
		if strings.EqualFold(l.Address, q.Address) && l.ChainAlias == q.ChainAlias {
			linked[l.TxID] = true
		}
	}
	var out []models.Transaction
	for _, row := range f.rows {
		if row.ChainAlias != q.ChainAlias || !linked[row.ID] || row.DeletedAt != nil {
			continue
		}
		if !row.UpdatedAt.Before(q.ObservedBefore) {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

// backdate rewinds a row's observation time so sweep tests can mark it
// stale relative to a later job.
func (f *fakeTxIndex) backdate(chainAlias, hash string, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[txKey(chainAlias, hash)]; ok {
		row.UpdatedAt = to
	}
}

// fakeAddressIndex records watermark advances.
type fakeAddressIndex struct {
	mu     sync.Mutex
	blocks map[string]int64
}

func newFakeAddressIndex() *fakeAddressIndex {
	return &fakeAddressIndex{blocks: map[string]int64{}}
}

func (f *fakeAddressIndex) UpdateLastReconciledBlock(_ context.Context, address, chainAlias string, block int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := address + "/" + chainAlias
	if block > f.blocks[key] {
		f.blocks[key] = block
	}
	return nil
}

// fakeSyncProvider serves scripted pages keyed by cursor; errs lets a
// test inject failures per cursor.
type fakeSyncProvider struct {
	pages map[string]*chain.Page
	errs  map[string]error
	calls int
}

func (p *fakeSyncProvider) FetchPage(_ context.Context, _, _ string, cursor string, _ chain.Range) (*chain.Page, error) {
	p.calls++
	if err, ok := p.errs[cursor]; ok {
		delete(p.errs, cursor)
		return nil, err
	}
	page, ok := p.pages[cursor]
	if !ok {
		return &chain.Page{}, nil
	}
	return page, nil
}

func record(hash string, block int64, value string) chain.TxRecord {
	return chain.TxRecord{
		TxHash:      hash,
		BlockNumber: block,
		BlockHash:   "0xblock",
		FromAddress: "0xsender",
		Value:       value,
		Status:      models.TxStatusSuccess,
		Timestamp:   testNow,
		Direction:   models.DirectionIn,
	}
}

type engineFixture struct {
	engine *Engine
	jobs   *fakeJobStore
	txs    *fakeTxIndex
	addrs  *fakeAddressIndex
}

func newEngineFixture(t *testing.T, sync chain.SyncReconciliationProvider, async chain.AsyncReconciliationProvider, opts Options) *engineFixture {
	t.Helper()
	jobs := newFakeJobStore()
	txs := newFakeTxIndex()
	addrs := newFakeAddressIndex()

	cfg := Config{
		Jobs:         jobs,
		Transactions: txs,
		Addresses:    addrs,
		Clock:        clock.Fixed{T: testNow},
		Options:      opts,
	}
	if sync != nil {
		cfg.SyncProviders = map[string]chain.SyncReconciliationProvider{"indexer": sync}
	}
	if async != nil {
		cfg.AsyncProviders = map[string]chain.AsyncReconciliationProvider{"noves": async}
	}

	e, err := New(cfg)
	require.NoError(t, err)
	return &engineFixture{engine: e, jobs: jobs, txs: txs, addrs: addrs}
}

func (f *engineFixture) createJob(t *testing.T, provider string) *models.ReconciliationJob {
	t.Helper()
	job, err := f.engine.CreateJob(context.Background(), CreateJobParams{
		Address:    "0xABCDEF",
		ChainAlias: "neo",
		Provider:   provider,
		Mode:       models.ModeFull,
	})
	require.NoError(t, err)
	return job
}

func TestCreateJobValidation(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})

	cases := []struct {
		name string
		p    CreateJobParams
	}{
		{"missing address", CreateJobParams{ChainAlias: "neo", Provider: "indexer"}},
		{"missing chain", CreateJobParams{Address: "0xabc", Provider: "indexer"}},
		{"unknown provider", CreateJobParams{Address: "0xabc", ChainAlias: "neo", Provider: "nope"}},
		{"unknown mode", CreateJobParams{Address: "0xabc", ChainAlias: "neo", Provider: "indexer", Mode: "weird"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateJob(context.Background(), tc.p)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestCreateJobRejectsSecondActiveJob(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})
	first := f.createJob(t, "indexer")

	_, err := f.engine.CreateJob(context.Background(), CreateJobParams{
		Address:    first.Address,
		ChainAlias: first.ChainAlias,
		Provider:   "indexer",
	})
	var active *database.ActiveJobError
	require.ErrorAs(t, err, &active)
	assert.Equal(t, first.ID, active.JobID)
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})
	_, err := f.engine.ClaimNextJob(context.Background())
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessSyncDrainsPagesAndCompletes(t *testing.T) {
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{
		"": {
			Transactions: []chain.TxRecord{record("0xaaa", 100, "1"), record("0xbbb", 101, "2")},
			NextCursor:   "p2",
		},
		"p2": {
			Transactions: []chain.TxRecord{record("0xccc", 105, "3")},
		},
	}}
	f := newEngineFixture(t, provider, nil, Options{})
	created := f.createJob(t, "indexer")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, int64(3), final.ProcessedCount)
	assert.Equal(t, int64(3), final.TransactionsAdded)
	assert.Equal(t, int64(0), final.ErrorsCount)
	require.NotNil(t, final.FinalBlock)
	assert.Equal(t, int64(105), *final.FinalBlock)

	// Full-mode completion advances the address watermark.
	assert.Equal(t, int64(105), f.addrs.blocks["0xABCDEF/neo"])

	// Every inserted transaction is linked to the job's address.
	assert.Len(t, f.txs.links, 3)
	actions := f.jobs.auditActions(created.ID)
	assert.Len(t, actions, 3)
	for _, a := range actions {
		assert.Equal(t, models.AuditAdded, a)
	}
}

func TestProcessSyncFlagsDrift(t *testing.T) {
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{
		"": {Transactions: []chain.TxRecord{record("0xaaa", 200, "99")}},
	}}
	f := newEngineFixture(t, provider, nil, Options{})

	// Seed the local index with a conflicting row.
	_, err := f.txs.Upsert(context.Background(), &models.Transaction{
		ChainAlias:  "neo",
		TxHash:      "0xaaa",
		BlockNumber: 200,
		BlockHash:   "0xblock",
		FromAddress: "0xsender",
		Value:       "1",
		Status:      models.TxStatusSuccess,
		Timestamp:   testNow,
	})
	require.NoError(t, err)

	created := f.createJob(t, "indexer")
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, int64(1), final.DiscrepanciesFlagged)
	assert.Equal(t, int64(0), final.TransactionsAdded)

	entries, err := f.jobs.ListAudit(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditDiscrepancy, entries[0].Action)
	assert.Contains(t, entries[0].DiscrepancyFields, "value")
	assert.NotEmpty(t, entries[0].BeforeSnapshot)
	assert.NotEmpty(t, entries[0].AfterSnapshot)

	// The local row now matches the provider.
	row, err := f.txs.FindByChainAliasAndHash(context.Background(), "neo", "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, "99", row.Value)
}

func TestProcessSyncUnchangedRowsAreQuiet(t *testing.T) {
	rec := record("0xaaa", 300, "5")
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{
		"": {Transactions: []chain.TxRecord{rec}},
	}}
	f := newEngineFixture(t, provider, nil, Options{})

	_, err := f.txs.Upsert(context.Background(), &models.Transaction{
		ChainAlias:  "neo",
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		BlockHash:   rec.BlockHash,
		FromAddress: rec.FromAddress,
		Value:       rec.Value,
		Status:      rec.Status,
		Timestamp:   rec.Timestamp,
	})
	require.NoError(t, err)

	created := f.createJob(t, "indexer")
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, int64(1), final.ProcessedCount)
	assert.Zero(t, final.TransactionsAdded)
	assert.Zero(t, final.DiscrepanciesFlagged)
	assert.Empty(t, f.jobs.auditActions(created.ID))
}

func TestProcessSyncRetryableErrorRequeuesWithBackoff(t *testing.T) {
	provider := &fakeSyncProvider{
		pages: map[string]*chain.Page{"": {}},
		errs:  map[string]error{"": chain.ErrRateLimited},
	}
	f := newEngineFixture(t, provider, nil, Options{
		MaxErrors:        5,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffMax:  15 * time.Minute,
	})
	created := f.createJob(t, "indexer")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	requeued := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusPending, requeued.Status)
	assert.Equal(t, int64(1), requeued.ErrorsCount)
	require.NotNil(t, requeued.NextRetryAt)
	assert.True(t, requeued.NextRetryAt.Equal(testNow.Add(30*time.Second)))

	// The retry gate keeps the job out of the claim queue until due.
	_, err = f.engine.ClaimNextJob(context.Background())
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessSyncNonRetryableErrorFailsImmediately(t *testing.T) {
	provider := &fakeSyncProvider{errs: map[string]error{"": errors.New("address not supported")}}
	f := newEngineFixture(t, provider, nil, Options{MaxErrors: 5})
	created := f.createJob(t, "indexer")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, int64(1), final.ErrorsCount)
	actions := f.jobs.auditActions(created.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, models.AuditError, actions[0])
}

func TestProcessSyncErrorBudgetExhaustionFails(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{MaxErrors: 2, RetryBackoffBase: time.Nanosecond})
	created := f.createJob(t, "indexer")

	provider := f.engine.syncs["indexer"].(*fakeSyncProvider)

	// First retryable failure: requeued.
	provider.errs = map[string]error{"": chain.ErrProviderTimeout}
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))
	assert.Equal(t, models.JobStatusPending, f.jobs.get(created.ID).Status)

	// Clear the retry gate and fail again: budget of 2 is spent.
	f.jobs.get(created.ID).NextRetryAt = nil
	provider.errs = map[string]error{"": chain.ErrProviderTimeout}
	job, err = f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, int64(2), final.ErrorsCount)
}

func TestProcessJobUnknownProviderFails(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})
	created := f.createJob(t, "indexer")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	// Simulate a provider removed from configuration between claim and
	// dispatch.
	delete(f.engine.syncs, "indexer")
	require.NoError(t, f.engine.processJob(context.Background(), job))

	assert.Equal(t, models.JobStatusFailed, f.jobs.get(created.ID).Status)
}

func TestResetStaleRunningJobs(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{pages: map[string]*chain.Page{"": {}}}, nil, Options{StaleThreshold: time.Hour})
	created := f.createJob(t, "indexer")

	// Claim flips it to running, then pretend the worker died an age ago.
	_, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	f.jobs.get(created.ID).UpdatedAt = testNow.Add(-2 * time.Hour)

	n, err := f.engine.ResetStaleRunningJobs(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, models.JobStatusPending, f.jobs.get(created.ID).Status)
}

func TestBackoffSchedule(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffMax:  15 * time.Minute,
	})

	assert.Equal(t, 30*time.Second, f.engine.backoff(1))
	assert.Equal(t, time.Minute, f.engine.backoff(2))
	assert.Equal(t, 2*time.Minute, f.engine.backoff(3))
	assert.Equal(t, 8*time.Minute, f.engine.backoff(5))
	assert.Equal(t, 15*time.Minute, f.engine.backoff(6))
	assert.Equal(t, 15*time.Minute, f.engine.backoff(12))
}

func TestListJobsValidation(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})

	_, _, err := f.engine.ListJobs(context.Background(), "", "neo", 0, 20)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, _, err = f.engine.ListJobs(context.Background(), "0xabc", "neo", 0, 500)
	assert.ErrorAs(t, err, &verr)

	_, _, err = f.engine.ListJobs(context.Background(), "0xabc", "neo", -1, 20)
	assert.ErrorAs(t, err, &verr)
}

func TestDeleteJobOnlyPending(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{pages: map[string]*chain.Page{"": {}}}, nil, Options{})
	created := f.createJob(t, "indexer")

	// A claimed job is no longer deletable, and the caller can tell that
	// apart from a job that never existed.
	_, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	err = f.engine.DeleteJob(context.Background(), created.ID)
	assert.ErrorIs(t, err, database.ErrConflict)

	err = f.engine.DeleteJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, database.ErrNotFound)
}

// seedLinkedTransaction plants a local row linked to the fixture address
// and rewinds its observation time by an hour.
func (f *engineFixture) seedLinkedTransaction(t *testing.T, hash string, block int64, value string) *models.Transaction {
	t.Helper()
	seeded, err := f.txs.Upsert(context.Background(), &models.Transaction{
		ChainAlias:  "neo",
		TxHash:      hash,
		BlockNumber: block,
		BlockHash:   "0xblock",
		FromAddress: "0xsender",
		Value:       value,
		Status:      models.TxStatusSuccess,
		Timestamp:   testNow,
	})
	require.NoError(t, err)
	require.NoError(t, f.txs.LinkAddress(context.Background(), &models.AddressTransaction{
		Address:    "0xABCDEF",
		ChainAlias: "neo",
		TxID:       seeded.ID,
		Timestamp:  testNow,
		Direction:  models.DirectionIn,
	}))
	f.txs.backdate("neo", hash, time.Now().Add(-time.Hour))
	return seeded
}

func TestProcessSyncFullModeSoftDeletesVanishedRows(t *testing.T) {
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{
		"": {Transactions: []chain.TxRecord{record("0xaaa", 400, "1")}},
	}}
	f := newEngineFixture(t, provider, nil, Options{})

	// Locally indexed but absent from the provider stream.
	f.seedLinkedTransaction(t, "0xgone", 390, "7")

	created := f.createJob(t, "indexer")
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, int64(1), final.TransactionsAdded)
	assert.Equal(t, int64(1), final.TransactionsSoftDeleted)

	row, err := f.txs.FindByChainAliasAndHash(context.Background(), "neo", "0xgone")
	require.NoError(t, err)
	assert.NotNil(t, row.DeletedAt)

	actions := f.jobs.auditActions(created.ID)
	assert.Contains(t, actions, models.AuditAdded)
	assert.Contains(t, actions, models.AuditSoftDeleted)
	for _, e := range f.jobs.audit {
		if e.Action == models.AuditSoftDeleted {
			assert.Equal(t, "0xgone", e.TransactionHash)
			assert.NotEmpty(t, e.BeforeSnapshot)
		}
	}
}

func TestProcessSyncObservedUnchangedRowSurvivesSweep(t *testing.T) {
	rec := record("0xaaa", 410, "5")
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{
		"": {Transactions: []chain.TxRecord{rec}},
	}}
	f := newEngineFixture(t, provider, nil, Options{})

	// An old row the provider still reports unchanged: the observation
	// alone must keep it alive.
	f.seedLinkedTransaction(t, "0xaaa", 410, "5")

	created := f.createJob(t, "indexer")
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Zero(t, final.TransactionsSoftDeleted)
	assert.Empty(t, f.jobs.auditActions(created.ID))

	row, err := f.txs.FindByChainAliasAndHash(context.Background(), "neo", "0xaaa")
	require.NoError(t, err)
	assert.Nil(t, row.DeletedAt)
}

func TestProcessSyncPartialModeSkipsSweep(t *testing.T) {
	provider := &fakeSyncProvider{pages: map[string]*chain.Page{"": {}}}
	f := newEngineFixture(t, provider, nil, Options{})

	f.seedLinkedTransaction(t, "0xgone", 390, "7")

	created, err := f.engine.CreateJob(context.Background(), CreateJobParams{
		Address:    "0xABCDEF",
		ChainAlias: "neo",
		Provider:   "indexer",
		Mode:       models.ModePartial,
	})
	require.NoError(t, err)

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	assert.Equal(t, models.JobStatusCompleted, f.jobs.get(created.ID).Status)
	assert.Zero(t, f.jobs.get(created.ID).TransactionsSoftDeleted)

	row, err := f.txs.FindByChainAliasAndHash(context.Background(), "neo", "0xgone")
	require.NoError(t, err)
	assert.Nil(t, row.DeletedAt)
}

func TestGetJobTruncatesAuditTail(t *testing.T) {
	f := newEngineFixture(t, &fakeSyncProvider{}, nil, Options{})
	created := f.createJob(t, "indexer")

	for i := 0; i < auditTailLimit+5; i++ {
		require.NoError(t, f.jobs.AppendAudit(context.Background(), &models.ReconciliationAuditEntry{
			JobID:           created.ID,
			TransactionHash: fmt.Sprintf("0x%06d", i),
			Action:          models.AuditAdded,
		}))
	}

	detail, err := f.engine.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, detail.AuditLog, auditTailLimit)
	assert.True(t, detail.AuditTruncated)
}
