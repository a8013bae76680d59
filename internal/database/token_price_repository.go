package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

// TokenPriceRepository caches market quotes keyed by (coingecko_id,
// currency). Currency is normalised to lowercase on every write and
// read.
type TokenPriceRepository struct {
	db *sqlx.DB
}

func NewTokenPriceRepository(db *sqlx.DB) *TokenPriceRepository {
	return &TokenPriceRepository{db: db}
}

// Upsert writes a quote, replacing the previous one for the same key.
func (r *TokenPriceRepository) Upsert(ctx context.Context, p *models.TokenPrice) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_prices (coingecko_id, currency, price, price_change_24h, market_cap, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (coingecko_id, currency) DO UPDATE SET
			price = EXCLUDED.price,
			price_change_24h = EXCLUDED.price_change_24h,
			market_cap = EXCLUDED.market_cap,
			fetched_at = EXCLUDED.fetched_at`,
		p.CoingeckoID, strings.ToLower(p.Currency), p.Price, p.PriceChange24h, p.MarketCap, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("token price upsert: %w", translateError(err))
	}
	return nil
}

// FindByIDs returns cached quotes for the given coingecko ids in one
// currency.
func (r *TokenPriceRepository) FindByIDs(ctx context.Context, coingeckoIDs []string, currency string) ([]models.TokenPrice, error) {
	if len(coingeckoIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT coingecko_id, currency, price, price_change_24h, market_cap, fetched_at
		FROM token_prices
		WHERE coingecko_id IN (?) AND currency = ?`,
		coingeckoIDs, strings.ToLower(currency))
	if err != nil {
		return nil, fmt.Errorf("token price query: %w", err)
	}
	query = r.db.Rebind(query)

	var out []models.TokenPrice
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("token price lookup: %w", translateError(err))
	}
	return out, nil
}
