package database

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Cursors are opaque to clients: base64 over a JSON tuple. Decoding is
// deliberately forgiving — any malformed cursor reads as "no cursor" so
// a bad token yields the first page rather than an error.

// AddressCursor orders address listings by (created_at, id).
type AddressCursor struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionCursor orders transaction listings by (timestamp, tx_id).
type TransactionCursor struct {
	Timestamp time.Time `json:"timestamp"`
	TxID      uuid.UUID `json:"txId"`
}

// EventCursor carries the last seen workflow event id; the time+id
// ordering is resolved server-side.
type EventCursor struct {
	ID uuid.UUID `json:"id"`
}

func encodeCursor(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeCursor(token string, dest interface{}) bool {
	if token == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false
	}
	return true
}

// EncodeAddressCursor encodes the pagination token for address listings.
func EncodeAddressCursor(c AddressCursor) string { return encodeCursor(c) }

// DecodeAddressCursor returns the decoded cursor, or ok=false for empty
// or malformed tokens.
func DecodeAddressCursor(token string) (AddressCursor, bool) {
	var c AddressCursor
	ok := decodeCursor(token, &c)
	if ok && c.ID == uuid.Nil {
		return AddressCursor{}, false
	}
	return c, ok
}

// EncodeTransactionCursor encodes the pagination token for transaction
// listings.
func EncodeTransactionCursor(c TransactionCursor) string { return encodeCursor(c) }

// DecodeTransactionCursor returns the decoded cursor, or ok=false for
// empty or malformed tokens.
func DecodeTransactionCursor(token string) (TransactionCursor, bool) {
	var c TransactionCursor
	ok := decodeCursor(token, &c)
	if ok && c.TxID == uuid.Nil {
		return TransactionCursor{}, false
	}
	return c, ok
}

// EncodeEventCursor encodes the pagination token for workflow event
// streams.
func EncodeEventCursor(c EventCursor) string { return encodeCursor(c) }

// DecodeEventCursor returns the decoded cursor, or ok=false for empty or
// malformed tokens.
func DecodeEventCursor(token string) (EventCursor, bool) {
	var c EventCursor
	ok := decodeCursor(token, &c)
	if ok && c.ID == uuid.Nil {
		return EventCursor{}, false
	}
	return c, ok
}
