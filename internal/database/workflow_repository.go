package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const workflowColumns = `id, state, context, version, vault_id, chain_alias, marshalled_hex,
	org_id, created_by, tx_hash, signature, block_number, created_at, updated_at, completed_at`

const workflowEventColumns = `id, workflow_id, from_state, to_state, event_type, event_payload,
	context_snapshot, triggered_by, created_at`

// WorkflowRepository persists transaction workflows with optimistic
// concurrency. Every committed state change bumps version by exactly one
// and appends its event in the same transaction, so readers never see a
// version move without its event.
type WorkflowRepository struct {
	db *sqlx.DB
}

func NewWorkflowRepository(db *sqlx.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a workflow in the created state at version 1.
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	var out models.Workflow
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO workflows (id, state, context, version, vault_id, chain_alias,
			marshalled_hex, org_id, created_by)
		VALUES ($1, 'created', $2, 1, $3, $4, $5, $6, $7)
		RETURNING `+workflowColumns,
		wf.ID, wf.Context, wf.VaultID, wf.ChainAlias, wf.MarshalledHex, wf.OrgID, wf.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("workflow create: %w", translateError(err))
	}
	return &out, nil
}

// FindByID returns one workflow.
func (r *WorkflowRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	var out models.Workflow
	err := r.db.GetContext(ctx, &out, `
		SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("workflow lookup: %w", translateError(err))
	}
	return &out, nil
}

// WorkflowPatch is the committed outcome of one transition.
type WorkflowPatch struct {
	State       models.WorkflowState
	Context     models.WorkflowContext
	TxHash      *string
	Signature   *string
	BlockNumber *int64
	CompletedAt *time.Time
}

// UpdateWithEvent applies a transition with optimistic locking and
// appends the event atomically. A stale expectedVersion yields
// ErrConcurrentModification and leaves the row untouched.
func (r *WorkflowRepository) UpdateWithEvent(ctx context.Context, id uuid.UUID, expectedVersion int64, patch WorkflowPatch, event *models.WorkflowEvent) (*models.Workflow, error) {
	var out *models.Workflow
	err := WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var updated models.Workflow
		err := tx.GetContext(ctx, &updated, `
			UPDATE workflows SET
				state = $3,
				context = $4,
				version = version + 1,
				tx_hash = COALESCE($5, tx_hash),
				signature = COALESCE($6, signature),
				block_number = COALESCE($7, block_number),
				completed_at = COALESCE($8, completed_at),
				updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING `+workflowColumns,
			id, expectedVersion, patch.State, patch.Context,
			patch.TxHash, patch.Signature, patch.BlockNumber, patch.CompletedAt)
		if err != nil {
			translated := translateError(err)
			if translated == ErrNotFound {
				// Either the workflow is gone or the version moved.
				var exists bool
				if probeErr := tx.GetContext(ctx, &exists,
					`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, id); probeErr == nil && exists {
					return ErrConcurrentModification
				}
				return ErrNotFound
			}
			return fmt.Errorf("workflow update: %w", translated)
		}

		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		event.WorkflowID = id
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_events (id, workflow_id, from_state, to_state, event_type,
				event_payload, context_snapshot, triggered_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, event.WorkflowID, event.FromState, event.ToState, event.EventType,
			event.EventPayload, event.ContextSnapshot, event.TriggeredBy); err != nil {
			return fmt.Errorf("workflow event append: %w", translateError(err))
		}

		out = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventPage is one cursor page of a workflow's event stream.
type EventPage struct {
	Data       []models.WorkflowEvent
	HasMore    bool
	NextCursor string
}

// ListEvents streams a workflow's events strictly ordered by
// (created_at, id). The cursor carries only the last event id; its
// position is resolved server-side.
func (r *WorkflowRepository) ListEvents(ctx context.Context, workflowID uuid.UUID, cursor string, limit int) (*EventPage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + workflowEventColumns + ` FROM workflow_events WHERE workflow_id = $1`
	args := []interface{}{workflowID}

	// The cursor position is resolved up front; an id that matches no
	// event reads as "no cursor" so the caller gets the first page.
	if c, ok := DecodeEventCursor(cursor); ok {
		var at time.Time
		err := r.db.GetContext(ctx, &at,
			`SELECT created_at FROM workflow_events WHERE id = $1 AND workflow_id = $2`,
			c.ID, workflowID)
		if err == nil {
			args = append(args, at, c.ID)
			query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)-1, len(args))
		} else if translateError(err) != ErrNotFound {
			return nil, fmt.Errorf("workflow events cursor: %w", translateError(err))
		}
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	var rows []models.WorkflowEvent
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("workflow events list: %w", translateError(err))
	}

	page := &EventPage{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		page.NextCursor = EncodeEventCursor(EventCursor{ID: page.Data[limit-1].ID})
	}
	return page, nil
}
