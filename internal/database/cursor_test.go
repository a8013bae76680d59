package database

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCursorRoundTrip(t *testing.T) {
	in := TransactionCursor{
		Timestamp: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		TxID:      uuid.New(),
	}

	token := EncodeTransactionCursor(in)
	require.NotEmpty(t, token)

	out, ok := DecodeTransactionCursor(token)
	require.True(t, ok)
	assert.Equal(t, in.TxID, out.TxID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

func TestAddressCursorRoundTrip(t *testing.T) {
	in := AddressCursor{
		ID:        uuid.New(),
		CreatedAt: time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
	}

	out, ok := DecodeAddressCursor(EncodeAddressCursor(in))
	require.True(t, ok)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestEventCursorRoundTrip(t *testing.T) {
	in := EventCursor{ID: uuid.New()}

	out, ok := DecodeEventCursor(EncodeEventCursor(in))
	require.True(t, ok)
	assert.Equal(t, in.ID, out.ID)
}

func TestDecodeCursorMalformedTokensReadAsNoCursor(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"base64 but not json", "bm90LWpzb24="},
		{"json but wrong shape", "eyJmb28iOiJiYXIifQ=="},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := DecodeTransactionCursor(tc.token)
			assert.False(t, ok)
			_, ok = DecodeAddressCursor(tc.token)
			assert.False(t, ok)
			_, ok = DecodeEventCursor(tc.token)
			assert.False(t, ok)
		})
	}
}

func TestDecodeCursorRejectsZeroID(t *testing.T) {
	_, ok := DecodeTransactionCursor(EncodeTransactionCursor(TransactionCursor{
		Timestamp: time.Now(),
		TxID:      uuid.Nil,
	}))
	assert.False(t, ok)

	_, ok = DecodeEventCursor(EncodeEventCursor(EventCursor{}))
	assert.False(t, ok)
}
