package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const holdingColumns = `id, address_id, chain_alias, token_address, is_native, balance, decimals,
	name, symbol, visibility, user_spam_override, override_updated_at, created_at, updated_at`

// TokenHoldingRepository persists per-address balances. The natural key
// is (address_id, chain_alias, COALESCE(LOWER(token_address), '')) so a
// native holding and a token holding never collide.
type TokenHoldingRepository struct {
	db *sqlx.DB
}

func NewTokenHoldingRepository(db *sqlx.DB) *TokenHoldingRepository {
	return &TokenHoldingRepository{db: db}
}

const holdingUpsertSQL = `
	INSERT INTO token_holdings (id, address_id, chain_alias, token_address, is_native,
		balance, decimals, name, symbol, visibility)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (address_id, chain_alias, COALESCE(LOWER(token_address), '')) DO UPDATE SET
		balance = EXCLUDED.balance,
		decimals = EXCLUDED.decimals,
		name = EXCLUDED.name,
		symbol = EXCLUDED.symbol,
		updated_at = NOW()
	RETURNING ` + holdingColumns

// Upsert writes one holding. Visibility and spam override are preserved
// on conflict; balance refresh must not undo user decisions.
func (r *TokenHoldingRepository) Upsert(ctx context.Context, h *models.TokenHolding) (*models.TokenHolding, error) {
	return r.upsert(ctx, r.db, h)
}

func (r *TokenHoldingRepository) upsert(ctx context.Context, q Querier, h *models.TokenHolding) (*models.TokenHolding, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	visibility := h.Visibility
	if visibility == "" {
		visibility = models.VisibilityVisible
	}
	var out models.TokenHolding
	err := q.GetContext(ctx, &out, holdingUpsertSQL,
		h.ID, h.AddressID, h.ChainAlias, h.TokenAddress, h.IsNative,
		h.Balance, h.Decimals, h.Name, h.Symbol, visibility)
	if err != nil {
		return nil, fmt.Errorf("holding upsert: %w", translateError(err))
	}
	return &out, nil
}

// UpsertMany writes holdings one at a time, in input order, so each row
// keeps its own conflict semantics. A failure aborts the remainder and
// reports how many rows were applied.
func (r *TokenHoldingRepository) UpsertMany(ctx context.Context, holdings []models.TokenHolding) (int, error) {
	for i := range holdings {
		if _, err := r.upsert(ctx, r.db, &holdings[i]); err != nil {
			return i, fmt.Errorf("holding upsert many (row %d): %w", i, err)
		}
	}
	return len(holdings), nil
}

// SpamOverrideUpdate targets one holding in a batch override.
type SpamOverrideUpdate struct {
	HoldingID uuid.UUID
	Override  *models.SpamOverride
}

// UpdateSpamOverrideBatch applies user spam verdicts within a single
// transaction: all rows update or none do. A nil override clears the
// verdict. Overridden rows also flip visibility accordingly.
func (r *TokenHoldingRepository) UpdateSpamOverrideBatch(ctx context.Context, updates []SpamOverrideUpdate, now time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	return WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, u := range updates {
			res, err := tx.ExecContext(ctx, `
				UPDATE token_holdings SET
					user_spam_override = $2,
					override_updated_at = $3,
					visibility = CASE
						WHEN $2 = 'spam' THEN 'hidden'
						WHEN $2 = 'trusted' THEN 'visible'
						ELSE visibility
					END,
					updated_at = NOW()
				WHERE id = $1`,
				u.HoldingID, u.Override, now)
			if err != nil {
				return fmt.Errorf("holding spam override %s: %w", u.HoldingID, translateError(err))
			}
			if err := requireRowAffected(res); err != nil {
				return fmt.Errorf("holding spam override %s: %w", u.HoldingID, err)
			}
		}
		return nil
	})
}

// ListByAddress returns an address's holdings for one chain, native
// first then by symbol.
func (r *TokenHoldingRepository) ListByAddress(ctx context.Context, addressID uuid.UUID, chainAlias string, includeHidden bool) ([]models.TokenHolding, error) {
	query := `SELECT ` + holdingColumns + ` FROM token_holdings
		WHERE address_id = $1 AND chain_alias = $2`
	if !includeHidden {
		query += ` AND visibility = 'visible'`
	}
	query += ` ORDER BY is_native DESC, symbol ASC, id ASC`

	var out []models.TokenHolding
	if err := r.db.SelectContext(ctx, &out, query, addressID, chainAlias); err != nil {
		return nil, fmt.Errorf("holding list: %w", translateError(err))
	}
	return out, nil
}
