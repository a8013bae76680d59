package workflow

import (
	"fmt"
	"time"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

// EventType names a workflow event.
type EventType string

const (
	EventSubmit          EventType = "submit"
	EventApprove         EventType = "approve"
	EventSign            EventType = "sign"
	EventBroadcast       EventType = "broadcast"
	EventConfirm         EventType = "confirm"
	EventBroadcastFailed EventType = "broadcast_failed"
	EventFail            EventType = "fail"
	EventCancel          EventType = "cancel"
)

// Payload carries the event-specific inputs of a transition.
type Payload struct {
	Approver    string  `json:"approver,omitempty"`
	Signature   *string `json:"signature,omitempty"`
	TxHash      *string `json:"txHash,omitempty"`
	BlockNumber *int64  `json:"blockNumber,omitempty"`
	Error       *string `json:"error,omitempty"`
	Retryable   bool    `json:"retryable,omitempty"`
}

// IllegalTransitionError reports an event a state does not accept.
type IllegalTransitionError struct {
	State models.WorkflowState
	Event EventType
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not accepted in state %q", e.Event, e.State)
}

// Outcome is the computed result of one transition: the next state and
// the derived context. Contexts are values; the input is never mutated.
type Outcome struct {
	Next    models.WorkflowState
	Context models.WorkflowContext
}

// Apply validates event against the transition table for the current
// state and computes the outcome. now is the transition instant, used
// for failure stamps.
func Apply(state models.WorkflowState, ctx models.WorkflowContext, event EventType, p Payload, now time.Time) (Outcome, error) {
	illegal := func() (Outcome, error) {
		return Outcome{}, &IllegalTransitionError{State: state, Event: event}
	}

	if state.Terminal() {
		return illegal()
	}

	// Cancel is accepted from every non-terminal state.
	if event == EventCancel {
		return Outcome{Next: models.StateCancelled, Context: ctx}, nil
	}

	switch state {
	case models.StateCreated:
		if event != EventSubmit {
			return illegal()
		}
		next := models.StatePendingReview
		if ctx.SkipReview {
			next = models.StateApproved
		}
		return Outcome{Next: next, Context: ctx}, nil

	case models.StatePendingReview:
		switch event {
		case EventApprove:
			if p.Approver == "" {
				return Outcome{}, fmt.Errorf("approve: missing approver")
			}
			ctx.ApprovedBy = append(append([]string(nil), ctx.ApprovedBy...), p.Approver)
			return Outcome{Next: models.StateApproved, Context: ctx}, nil
		case EventFail:
			return fail(ctx, p, now), nil
		}
		return illegal()

	case models.StateApproved:
		switch event {
		case EventSign:
			if p.Signature == nil || *p.Signature == "" {
				return Outcome{}, fmt.Errorf("sign: missing signature")
			}
			ctx.Signature = p.Signature
			return Outcome{Next: models.StateSigning, Context: ctx}, nil
		case EventBroadcast:
			// Retry path: broadcasting returned the workflow here with
			// the signature retained.
			if ctx.Signature == nil || ctx.BroadcastAttempts == 0 {
				return illegal()
			}
			if p.TxHash != nil {
				ctx.TxHash = p.TxHash
			}
			return Outcome{Next: models.StateBroadcasting, Context: ctx}, nil
		case EventFail:
			return fail(ctx, p, now), nil
		}
		return illegal()

	case models.StateSigning:
		switch event {
		case EventBroadcast:
			if p.TxHash != nil {
				ctx.TxHash = p.TxHash
			}
			return Outcome{Next: models.StateBroadcasting, Context: ctx}, nil
		case EventFail:
			return fail(ctx, p, now), nil
		}
		return illegal()

	case models.StateBroadcasting:
		switch event {
		case EventConfirm:
			if p.TxHash != nil {
				ctx.TxHash = p.TxHash
			}
			ctx.BlockNumber = p.BlockNumber
			ctx.Error = nil
			return Outcome{Next: models.StateConfirmed, Context: ctx}, nil
		case EventBroadcastFailed:
			ctx.BroadcastAttempts++
			ctx.Error = p.Error
			if p.Retryable && ctx.BroadcastAttempts < ctx.MaxBroadcastAttempts {
				return Outcome{Next: models.StateApproved, Context: ctx}, nil
			}
			t := now
			ctx.FailedAt = &t
			return Outcome{Next: models.StateFailed, Context: ctx}, nil
		case EventFail:
			return fail(ctx, p, now), nil
		}
		return illegal()
	}

	return illegal()
}

func fail(ctx models.WorkflowContext, p Payload, now time.Time) Outcome {
	ctx.Error = p.Error
	t := now
	ctx.FailedAt = &t
	return Outcome{Next: models.StateFailed, Context: ctx}
}
