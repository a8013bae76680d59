// Package workflow drives the transaction lifecycle state machine:
// created → pending_review → approved → signing → broadcasting →
// confirmed, with failure, cancellation and bounded broadcast retries.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Custodia-Network/treasury_core/internal/clock"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/metrics"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// Store is the persistence contract the engine drives; implemented by
// database.WorkflowRepository.
type Store interface {
	Create(ctx context.Context, wf *models.Workflow) (*models.Workflow, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	UpdateWithEvent(ctx context.Context, id uuid.UUID, expectedVersion int64, patch database.WorkflowPatch, event *models.WorkflowEvent) (*models.Workflow, error)
	ListEvents(ctx context.Context, workflowID uuid.UUID, cursor string, limit int) (*database.EventPage, error)
}

// Broadcaster submits a signed transaction to its chain and reports the
// inclusion result.
type Broadcaster interface {
	Broadcast(ctx context.Context, chainAlias, marshalledHex, signature string) (txHash string, blockNumber int64, err error)
}

// RetryableBroadcastError marks a broadcast failure worth retrying.
type RetryableBroadcastError struct {
	Err error
}

func (e *RetryableBroadcastError) Error() string { return e.Err.Error() }
func (e *RetryableBroadcastError) Unwrap() error { return e.Err }

// Config holds the engine dependencies.
type Config struct {
	Store                Store
	Broadcaster          Broadcaster
	Clock                clock.Clock
	Logger               *logrus.Entry
	Metrics              *metrics.Metrics
	MaxBroadcastAttempts int
}

// Engine applies workflow transitions with optimistic locking.
type Engine struct {
	store       Store
	broadcaster Broadcaster
	clock       clock.Clock
	log         *logrus.Entry
	metrics     *metrics.Metrics
	maxAttempts int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("workflow: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	maxAttempts := cfg.MaxBroadcastAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		maxAttempts: maxAttempts,
	}, nil
}

// CreateParams describes a new workflow.
type CreateParams struct {
	VaultID       uuid.UUID
	ChainAlias    string
	MarshalledHex string
	OrgID         string
	CreatedBy     string
	Approvers     []string
	SkipReview    bool
}

// Create persists a workflow in the created state at version 1.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Workflow, error) {
	if p.VaultID == uuid.Nil {
		return nil, fmt.Errorf("workflow create: missing vault id")
	}
	if p.ChainAlias == "" || p.MarshalledHex == "" {
		return nil, fmt.Errorf("workflow create: missing chain alias or payload")
	}
	wf := &models.Workflow{
		VaultID:       p.VaultID,
		ChainAlias:    p.ChainAlias,
		MarshalledHex: p.MarshalledHex,
		OrgID:         p.OrgID,
		CreatedBy:     p.CreatedBy,
		Context: models.WorkflowContext{
			Approvers:            p.Approvers,
			SkipReview:           p.SkipReview,
			MaxBroadcastAttempts: e.maxAttempts,
		},
	}
	return e.store.Create(ctx, wf)
}

// Get returns one workflow.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return e.store.FindByID(ctx, id)
}

// ListEvents streams a workflow's event log.
func (e *Engine) ListEvents(ctx context.Context, id uuid.UUID, cursor string, limit int) (*database.EventPage, error) {
	return e.store.ListEvents(ctx, id, cursor, limit)
}

// Transition applies one event against the expected version. Callers
// holding a stale version receive database.ErrConcurrentModification
// and must reload; events a state does not accept yield
// *IllegalTransitionError.
func (e *Engine) Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, event EventType, payload Payload, triggeredBy string) (*models.Workflow, error) {
	wf, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Version != expectedVersion {
		return nil, database.ErrConcurrentModification
	}

	now := e.clock.Now()
	outcome, err := Apply(wf.State, wf.Context, event, payload, now)
	if err != nil {
		return nil, err
	}

	patch := database.WorkflowPatch{
		State:       outcome.Next,
		Context:     outcome.Context,
		TxHash:      outcome.Context.TxHash,
		Signature:   outcome.Context.Signature,
		BlockNumber: outcome.Context.BlockNumber,
	}
	if outcome.Next.Terminal() {
		t := now
		patch.CompletedAt = &t
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workflow transition: marshal payload: %w", err)
	}
	evt := &models.WorkflowEvent{
		FromState:       wf.State,
		ToState:         outcome.Next,
		EventType:       string(event),
		EventPayload:    rawPayload,
		ContextSnapshot: outcome.Context,
		TriggeredBy:     triggeredBy,
	}

	updated, err := e.store.UpdateWithEvent(ctx, id, expectedVersion, patch, evt)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.WorkflowEvents.WithLabelValues(string(event)).Inc()
	}
	if e.log != nil {
		e.log.WithFields(logrus.Fields{
			"workflow_id": id,
			"from":        wf.State,
			"to":          outcome.Next,
			"event":       event,
			"version":     updated.Version,
		}).Info("workflow transition committed")
	}
	return updated, nil
}

// ExecuteBroadcast drives the broadcast policy for a signed workflow:
// transition into broadcasting, call the chain adapter, then confirm or
// record the failure. Retryable failures return the workflow to
// approved with the attempt counted until the attempt budget runs out.
// The returned backoff is non-zero when the caller should schedule a
// retry.
func (e *Engine) ExecuteBroadcast(ctx context.Context, id uuid.UUID, triggeredBy string, backoffBase time.Duration) (*models.Workflow, time.Duration, error) {
	if e.broadcaster == nil {
		return nil, 0, fmt.Errorf("workflow broadcast: no broadcaster configured")
	}
	wf, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	wf, err = e.Transition(ctx, id, wf.Version, EventBroadcast, Payload{}, triggeredBy)
	if err != nil {
		return nil, 0, err
	}

	signature := ""
	if wf.Context.Signature != nil {
		signature = *wf.Context.Signature
	}
	txHash, blockNumber, bErr := e.broadcaster.Broadcast(ctx, wf.ChainAlias, wf.MarshalledHex, signature)
	if bErr == nil {
		wf, err = e.Transition(ctx, id, wf.Version, EventConfirm, Payload{
			TxHash:      &txHash,
			BlockNumber: &blockNumber,
		}, triggeredBy)
		return wf, 0, err
	}

	msg := bErr.Error()
	var retryable *RetryableBroadcastError
	isRetryable := errors.As(bErr, &retryable)
	wf, err = e.Transition(ctx, id, wf.Version, EventBroadcastFailed, Payload{
		Error:     &msg,
		Retryable: isRetryable,
	}, triggeredBy)
	if err != nil {
		return nil, 0, err
	}
	if wf.State == models.StateApproved {
		// Exponential backoff on the attempt already counted.
		backoff := backoffBase << (wf.Context.BroadcastAttempts - 1)
		return wf, backoff, nil
	}
	return wf, 0, nil
}
