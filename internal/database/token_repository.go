package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const tokenColumns = `id, chain_alias, address, name, symbol, decimals, logo_uri, coingecko_id,
	is_verified, is_spam, spam_classification, classification_updated_at, classification_ttl_hours,
	needs_classification, classification_attempts, classification_error, created_at, updated_at`

// TokenRepository persists the global token registry and drives the
// classification bookkeeping consumed by the classifier worker.
type TokenRepository struct {
	db *sqlx.DB
}

func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Upsert inserts or refreshes a token on its (chain_alias,
// LOWER(address)) key. Classification state is deliberately not touched
// on conflict; it belongs to the classifier.
func (r *TokenRepository) Upsert(ctx context.Context, t *models.Token) (*models.Token, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	ttl := t.ClassificationTTLHours
	if ttl <= 0 {
		ttl = 720
	}
	var out models.Token
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO tokens (id, chain_alias, address, name, symbol, decimals, logo_uri,
			coingecko_id, is_verified, classification_ttl_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_alias, LOWER(address)) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			logo_uri = EXCLUDED.logo_uri,
			coingecko_id = EXCLUDED.coingecko_id,
			is_verified = EXCLUDED.is_verified,
			updated_at = NOW()
		RETURNING `+tokenColumns,
		t.ID, t.ChainAlias, t.Address, t.Name, t.Symbol, t.Decimals, t.LogoURI,
		t.CoingeckoID, t.IsVerified, ttl)
	if err != nil {
		return nil, fmt.Errorf("token upsert: %w", translateError(err))
	}
	return &out, nil
}

// FindByChainAliasAndAddress looks a token up by its case-insensitive
// contract address.
func (r *TokenRepository) FindByChainAliasAndAddress(ctx context.Context, chainAlias, address string) (*models.Token, error) {
	var out models.Token
	err := r.db.GetContext(ctx, &out, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE chain_alias = $1 AND LOWER(address) = LOWER($2)`,
		chainAlias, address)
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", translateError(err))
	}
	return &out, nil
}

// RefreshExpiredClassifications revives cache entries whose per-row TTL
// has elapsed: needs_classification flips back to true and attempts
// reset to zero. Returns the number of affected rows.
func (r *TokenRepository) RefreshExpiredClassifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tokens SET
			needs_classification = TRUE,
			classification_attempts = 0,
			updated_at = NOW()
		WHERE needs_classification = FALSE
		  AND classification_updated_at IS NOT NULL
		  AND classification_updated_at + make_interval(hours => classification_ttl_hours) < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("token refresh expired classifications: %w", translateError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FindNeedingClassification returns the next classification batch,
// oldest classifications first (never-classified rows lead), capped at
// attempts < maxAttempts.
func (r *TokenRepository) FindNeedingClassification(ctx context.Context, limit, maxAttempts int) ([]models.Token, error) {
	var out []models.Token
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE needs_classification = TRUE AND classification_attempts < $2
		ORDER BY classification_updated_at ASC NULLS FIRST, created_at ASC
		LIMIT $1`,
		limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("token find needing classification: %w", translateError(err))
	}
	return out, nil
}

// MarkClassified records a successful classification.
func (r *TokenRepository) MarkClassified(ctx context.Context, id uuid.UUID, classification string, isSpam bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tokens SET
			spam_classification = $2,
			is_spam = $3,
			classification_updated_at = $4,
			needs_classification = FALSE,
			classification_error = NULL,
			updated_at = NOW()
		WHERE id = $1`,
		id, classification, isSpam, now)
	if err != nil {
		return fmt.Errorf("token mark classified: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// MarkClassificationFailed records a failed attempt. The row stays
// eligible until attempts reach maxAttempts; past that the flag drops
// and the last error remains for inspection.
func (r *TokenRepository) MarkClassificationFailed(ctx context.Context, id uuid.UUID, classifyErr string, maxAttempts int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tokens SET
			classification_attempts = classification_attempts + 1,
			classification_error = $2,
			needs_classification = (classification_attempts + 1 < $3),
			updated_at = NOW()
		WHERE id = $1`,
		id, classifyErr, maxAttempts)
	if err != nil {
		return fmt.Errorf("token mark classification failed: %w", translateError(err))
	}
	return requireRowAffected(res)
}
