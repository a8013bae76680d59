package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// fakeAsyncProvider scripts the remote job lifecycle: a submit, a
// sequence of poll statuses, then pages keyed by page URL.
type fakeAsyncProvider struct {
	remoteID string
	statuses []chain.RemoteJobStatus
	pages    map[string]*chain.PollResult

	submits int
	polls   int
	aborted bool
}

func (p *fakeAsyncProvider) Submit(context.Context, string, string, chain.Range) (string, error) {
	p.submits++
	return p.remoteID, nil
}

func (p *fakeAsyncProvider) Poll(_ context.Context, _ string, pageURL *string) (*chain.PollResult, error) {
	p.polls++
	if pageURL != nil {
		return p.pages[*pageURL], nil
	}
	if len(p.statuses) > 0 {
		status := p.statuses[0]
		p.statuses = p.statuses[1:]
		if status == chain.RemoteJobComplete {
			return p.pages[""], nil
		}
		return &chain.PollResult{Status: status}, nil
	}
	return p.pages[""], nil
}

func (p *fakeAsyncProvider) Abort(context.Context, string) error {
	p.aborted = true
	return nil
}

func strp(s string) *string { return &s }

func TestProcessAsyncSubmitsExactlyOnce(t *testing.T) {
	provider := &fakeAsyncProvider{remoteID: "remote-1"}
	f := newEngineFixture(t, nil, provider, Options{})
	created := f.createJob(t, "noves")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	stored := f.jobs.get(created.ID)
	assert.Equal(t, 1, provider.submits)
	assert.Zero(t, provider.polls)
	require.NotNil(t, stored.NovesJobID)
	assert.Equal(t, "remote-1", *stored.NovesJobID)
	require.NotNil(t, stored.NovesJobStartedAt)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
}

func TestProcessAsyncPollInProgressIsOneStep(t *testing.T) {
	provider := &fakeAsyncProvider{
		remoteID: "remote-1",
		statuses: []chain.RemoteJobStatus{chain.RemoteJobInProgress, chain.RemoteJobInProgress},
	}
	f := newEngineFixture(t, nil, provider, Options{})
	f.createJob(t, "noves")

	// Claim 1 submits, claims 2 and 3 each poll once.
	for i := 0; i < 3; i++ {
		job, err := f.engine.ClaimNextJob(context.Background())
		require.NoError(t, err)
		require.NoError(t, f.engine.processJob(context.Background(), job))
	}
	assert.Equal(t, 1, provider.submits)
	assert.Equal(t, 2, provider.polls)
}

func TestProcessAsyncDrainsPagesOnCompletion(t *testing.T) {
	provider := &fakeAsyncProvider{
		remoteID: "remote-1",
		statuses: []chain.RemoteJobStatus{chain.RemoteJobComplete},
		pages: map[string]*chain.PollResult{
			"": {
				Status:      chain.RemoteJobComplete,
				Page:        &chain.Page{Transactions: []chain.TxRecord{record("0xaaa", 500, "1")}},
				NextPageURL: strp("/page/2"),
			},
			"/page/2": {
				Status: chain.RemoteJobComplete,
				Page:   &chain.Page{Transactions: []chain.TxRecord{record("0xbbb", 510, "2")}},
			},
		},
	}
	f := newEngineFixture(t, nil, provider, Options{})
	created := f.createJob(t, "noves")

	// Submit, then the completing poll drains both pages.
	for i := 0; i < 2; i++ {
		job, err := f.engine.ClaimNextJob(context.Background())
		require.NoError(t, err)
		require.NoError(t, f.engine.processJob(context.Background(), job))
	}

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, int64(2), final.ProcessedCount)
	assert.Equal(t, int64(2), final.TransactionsAdded)
	assert.Nil(t, final.NovesNextPageURL)
	require.NotNil(t, final.FinalBlock)
	assert.Equal(t, int64(510), *final.FinalBlock)
	assert.Equal(t, int64(510), f.addrs.blocks["0xABCDEF/neo"])
}

func TestProcessAsyncRemoteFailureIsTerminal(t *testing.T) {
	provider := &fakeAsyncProvider{
		remoteID: "remote-1",
		statuses: []chain.RemoteJobStatus{chain.RemoteJobFailed},
	}
	f := newEngineFixture(t, nil, provider, Options{})
	created := f.createJob(t, "noves")

	for i := 0; i < 2; i++ {
		job, err := f.engine.ClaimNextJob(context.Background())
		require.NoError(t, err)
		require.NoError(t, f.engine.processJob(context.Background(), job))
	}

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	actions := f.jobs.auditActions(created.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, models.AuditError, actions[0])
}

func TestProcessAsyncTimesOutLongRemoteJobs(t *testing.T) {
	provider := &fakeAsyncProvider{
		remoteID: "remote-1",
		statuses: []chain.RemoteJobStatus{chain.RemoteJobInProgress},
	}
	f := newEngineFixture(t, nil, provider, Options{AsyncJobTimeout: 30 * time.Minute})
	created := f.createJob(t, "noves")

	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	// Backdate the submission past the timeout.
	started := testNow.Add(-time.Hour)
	f.jobs.get(created.ID).NovesJobStartedAt = &started

	job, err = f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	final := f.jobs.get(created.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.True(t, provider.aborted)
	assert.Zero(t, provider.polls)
}

func TestClaimPrefersPendingOverAsyncPoll(t *testing.T) {
	provider := &fakeAsyncProvider{
		remoteID: "remote-1",
		statuses: []chain.RemoteJobStatus{chain.RemoteJobInProgress},
	}
	syncProvider := &fakeSyncProvider{pages: map[string]*chain.Page{"": {}}}
	f := newEngineFixture(t, syncProvider, provider, Options{})

	asyncJob := f.createJob(t, "noves")

	// Submit the async job so it sits running with a remote id.
	job, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.engine.processJob(context.Background(), job))

	pendingJob, err := f.engine.CreateJob(context.Background(), CreateJobParams{
		Address:    "0x222222",
		ChainAlias: "neo",
		Provider:   "indexer",
	})
	require.NoError(t, err)

	// Pending work wins over polling the running async job.
	claimed, err := f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pendingJob.ID, claimed.ID)

	// With no pending jobs left, the async job is handed out for a poll.
	claimed, err = f.engine.ClaimNextJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, asyncJob.ID, claimed.ID)
}
