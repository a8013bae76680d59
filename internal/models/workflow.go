package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the persisted state of a transaction workflow.
type WorkflowState string

const (
	StateCreated       WorkflowState = "created"
	StatePendingReview WorkflowState = "pending_review"
	StateApproved      WorkflowState = "approved"
	StateSigning       WorkflowState = "signing"
	StateBroadcasting  WorkflowState = "broadcasting"
	StateConfirmed     WorkflowState = "confirmed"
	StateFailed        WorkflowState = "failed"
	StateCancelled     WorkflowState = "cancelled"
)

// Terminal reports whether the state rejects all further events.
func (s WorkflowState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateCancelled
}

// WorkflowContext is the structured context blob carried by a workflow.
// Transitions treat it as an immutable value: each transition derives a
// new context and persists it atomically with the state change.
type WorkflowContext struct {
	Approvers            []string   `json:"approvers,omitempty"`
	ApprovedBy           []string   `json:"approvedBy,omitempty"`
	SkipReview           bool       `json:"skipReview,omitempty"`
	Signature            *string    `json:"signature,omitempty"`
	TxHash               *string    `json:"txHash,omitempty"`
	BlockNumber          *int64     `json:"blockNumber,omitempty"`
	BroadcastAttempts    int        `json:"broadcastAttempts"`
	MaxBroadcastAttempts int        `json:"maxBroadcastAttempts"`
	Error                *string    `json:"error,omitempty"`
	FailedAt             *time.Time `json:"failedAt,omitempty"`
}

// Value implements driver.Valuer for the JSONB context column.
func (c WorkflowContext) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner for the JSONB context column.
func (c *WorkflowContext) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		*c = WorkflowContext{}
		return nil
	default:
		return fmt.Errorf("workflow context: cannot scan %T", src)
	}
}

// Workflow is one transaction's persistent state machine. Version is
// strictly monotonic; every committed state change increments it by one
// and appends a WorkflowEvent in the same transaction.
type Workflow struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	State         WorkflowState   `db:"state" json:"state"`
	Context       WorkflowContext `db:"context" json:"context"`
	Version       int64           `db:"version" json:"version"`
	VaultID       uuid.UUID       `db:"vault_id" json:"vaultId"`
	ChainAlias    string          `db:"chain_alias" json:"chainAlias"`
	MarshalledHex string          `db:"marshalled_hex" json:"marshalledHex"`
	OrgID         string          `db:"org_id" json:"orgId"`
	CreatedBy     string          `db:"created_by" json:"createdBy"`
	TxHash        *string         `db:"tx_hash" json:"txHash,omitempty"`
	Signature     *string         `db:"signature" json:"signature,omitempty"`
	BlockNumber   *int64          `db:"block_number" json:"blockNumber,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// WorkflowEvent is one committed transition in a workflow's event stream.
type WorkflowEvent struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	WorkflowID      uuid.UUID       `db:"workflow_id" json:"workflowId"`
	FromState       WorkflowState   `db:"from_state" json:"fromState"`
	ToState         WorkflowState   `db:"to_state" json:"toState"`
	EventType       string          `db:"event_type" json:"eventType"`
	EventPayload    json.RawMessage `db:"event_payload" json:"eventPayload,omitempty"`
	ContextSnapshot WorkflowContext `db:"context_snapshot" json:"contextSnapshot"`
	TriggeredBy     string          `db:"triggered_by" json:"triggeredBy"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
}
