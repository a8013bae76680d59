package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

func TestUpdateSpamOverrideBatchAllOrNothing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenHoldingRepository(db)
	now := time.Now()

	first := uuid.New()
	missing := uuid.New()

	// The second row matches nothing, so the whole batch rolls back.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE token_holdings SET user_spam_override`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE token_holdings SET user_spam_override`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	spam := models.SpamOverrideSpam
	err := repo.UpdateSpamOverrideBatch(context.Background(), []SpamOverrideUpdate{
		{HoldingID: first, Override: &spam},
		{HoldingID: missing, Override: nil},
	}, now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSpamOverrideBatchEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenHoldingRepository(db)

	err := repo.UpdateSpamOverrideBatch(context.Background(), nil, time.Now())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertManyStopsAtFirstFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenHoldingRepository(db)
	addressID := uuid.New()

	rowID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO token_holdings`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "address_id", "chain_alias", "token_address", "is_native", "balance", "decimals",
			"name", "symbol", "visibility", "user_spam_override", "override_updated_at",
			"created_at", "updated_at",
		}).AddRow(rowID.String(), addressID.String(), "neo", nil, true, "100", 8,
			"NEO", "NEO", "visible", nil, nil, now, now))
	mock.ExpectQuery(`INSERT INTO token_holdings`).
		WillReturnError(assert.AnError)

	applied, err := repo.UpsertMany(context.Background(), []models.TokenHolding{
		{AddressID: addressID, ChainAlias: "neo", IsNative: true, Balance: "100", Decimals: 8, Name: "NEO", Symbol: "NEO"},
		{AddressID: addressID, ChainAlias: "neo", Balance: "5", Decimals: 8, Name: "Gas", Symbol: "GAS"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
