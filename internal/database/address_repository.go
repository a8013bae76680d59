package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const addressColumns = `id, address, chain_alias, vault_id, org_id, workspace_id, ecosystem,
	derivation_path, alias, is_monitored, subscription_id, monitored_at, unmonitored_at,
	last_reconciled_block, created_at, updated_at`

// AddressRepository persists vault addresses. Address matching is
// case-insensitive throughout; original casing is stored.
type AddressRepository struct {
	db *sqlx.DB
}

func NewAddressRepository(db *sqlx.DB) *AddressRepository {
	return &AddressRepository{db: db}
}

// Create inserts an address. Violating the (LOWER(address), chain_alias)
// uniqueness yields ErrConflict.
func (r *AddressRepository) Create(ctx context.Context, addr *models.Address) (*models.Address, error) {
	if addr.ID == uuid.Nil {
		addr.ID = uuid.New()
	}
	var out models.Address
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO addresses (id, address, chain_alias, vault_id, org_id, workspace_id, ecosystem,
			derivation_path, alias, is_monitored, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+addressColumns,
		addr.ID, addr.Address, addr.ChainAlias, addr.VaultID, addr.OrgID, addr.WorkspaceID,
		addr.Ecosystem, addr.DerivationPath, addr.Alias, addr.IsMonitored, addr.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("address create: %w", translateError(err))
	}
	return &out, nil
}

// FindByAddressAndChainAlias looks an address up by its
// case-insensitive key.
func (r *AddressRepository) FindByAddressAndChainAlias(ctx context.Context, address, chainAlias string) (*models.Address, error) {
	var out models.Address
	err := r.db.GetContext(ctx, &out, `
		SELECT `+addressColumns+` FROM addresses
		WHERE LOWER(address) = LOWER($1) AND chain_alias = $2`,
		address, chainAlias)
	if err != nil {
		return nil, fmt.Errorf("address lookup: %w", translateError(err))
	}
	return &out, nil
}

// AddressPage is one cursor page of addresses.
type AddressPage struct {
	Data       []models.Address
	HasMore    bool
	NextCursor string
}

// FindByVaultIDAndChainAliasOptions narrows the vault listing. The
// monitored filter applies only when Monitored is non-nil; by default
// both monitored and unmonitored addresses are returned.
type FindByVaultIDAndChainAliasOptions struct {
	Monitored *bool
	Cursor    string
	Limit     int
}

// FindByVaultIDAndChainAlias lists a vault's addresses for one chain,
// cursor-paginated by (created_at, id).
func (r *AddressRepository) FindByVaultIDAndChainAlias(ctx context.Context, vaultID uuid.UUID, chainAlias string, opts FindByVaultIDAndChainAliasOptions) (*AddressPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + addressColumns + ` FROM addresses WHERE vault_id = $1 AND chain_alias = $2`
	args := []interface{}{vaultID, chainAlias}

	if opts.Monitored != nil {
		args = append(args, *opts.Monitored)
		query += fmt.Sprintf(" AND is_monitored = $%d", len(args))
	}
	if c, ok := DecodeAddressCursor(opts.Cursor); ok {
		args = append(args, c.CreatedAt, c.ID)
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	var rows []models.Address
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("address list: %w", translateError(err))
	}

	page := &AddressPage{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		last := page.Data[limit-1]
		page.NextCursor = EncodeAddressCursor(AddressCursor{ID: last.ID, CreatedAt: last.CreatedAt})
	}
	return page, nil
}

// SetMonitored flips the monitoring flag, stamping monitored_at or
// unmonitored_at accordingly.
func (r *AddressRepository) SetMonitored(ctx context.Context, id uuid.UUID, monitored bool, subscriptionID *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE addresses SET
			is_monitored = $2,
			subscription_id = CASE WHEN $2 THEN $3 ELSE NULL END,
			monitored_at = CASE WHEN $2 THEN NOW() ELSE monitored_at END,
			unmonitored_at = CASE WHEN $2 THEN NULL ELSE NOW() END,
			updated_at = NOW()
		WHERE id = $1`,
		id, monitored, subscriptionID)
	if err != nil {
		return fmt.Errorf("address set monitored: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// UpdateLastReconciledBlock records reconciliation progress for an
// address, never moving the watermark backwards.
func (r *AddressRepository) UpdateLastReconciledBlock(ctx context.Context, address, chainAlias string, block int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE addresses SET
			last_reconciled_block = GREATEST(COALESCE(last_reconciled_block, 0), $3),
			updated_at = NOW()
		WHERE LOWER(address) = LOWER($1) AND chain_alias = $2`,
		address, chainAlias, block)
	if err != nil {
		return fmt.Errorf("address update reconciled block: %w", translateError(err))
	}
	return nil
}

// DeleteByVaultID removes a vault's addresses in bulk. Addresses are
// only ever deleted together with their owning vault.
func (r *AddressRepository) DeleteByVaultID(ctx context.Context, tx *sqlx.Tx, vaultID uuid.UUID) (int64, error) {
	var q Querier = r.db
	if tx != nil {
		q = tx
	}
	res, err := q.ExecContext(ctx, `DELETE FROM addresses WHERE vault_id = $1`, vaultID)
	if err != nil {
		return 0, fmt.Errorf("address bulk delete: %w", translateError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertAddressToken registers a token under an address, updating the
// metadata columns on conflict.
func (r *AddressRepository) UpsertAddressToken(ctx context.Context, at *models.AddressToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO address_tokens (address_id, contract_address, symbol, decimals, name, hidden)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address_id, contract_address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			name = EXCLUDED.name,
			hidden = EXCLUDED.hidden`,
		at.AddressID, at.ContractAddress, at.Symbol, at.Decimals, at.Name, at.Hidden)
	if err != nil {
		return fmt.Errorf("address token upsert: %w", translateError(err))
	}
	return nil
}

// ListAddressTokens returns the tokens registered under an address.
func (r *AddressRepository) ListAddressTokens(ctx context.Context, addressID uuid.UUID) ([]models.AddressToken, error) {
	var out []models.AddressToken
	err := r.db.SelectContext(ctx, &out, `
		SELECT address_id, contract_address, symbol, decimals, name, hidden
		FROM address_tokens WHERE address_id = $1
		ORDER BY contract_address ASC`, addressID)
	if err != nil {
		return nil, fmt.Errorf("address tokens list: %w", translateError(err))
	}
	return out, nil
}

func requireRowAffected(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
