package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const transactionColumns = `id, chain_alias, tx_hash, block_number, block_hash, tx_index,
	from_address, to_address, value, fee, status, timestamp, classification_type,
	classification_label, deleted_at, created_at, updated_at`

// TransactionRepository persists the local transaction index that
// reconciliation compares against. Hashes are stored lowercase;
// (chain_alias, tx_hash) is the identity.
type TransactionRepository struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Upsert inserts or refreshes a transaction on its (chain_alias,
// tx_hash) key. An upsert always clears deleted_at: observing a
// transaction on-chain reattaches a soft-deleted row.
func (r *TransactionRepository) Upsert(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	var out models.Transaction
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO transactions (id, chain_alias, tx_hash, block_number, block_hash, tx_index,
			from_address, to_address, value, fee, status, timestamp,
			classification_type, classification_label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (chain_alias, tx_hash) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			tx_index = EXCLUDED.tx_index,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			value = EXCLUDED.value,
			fee = EXCLUDED.fee,
			status = EXCLUDED.status,
			timestamp = EXCLUDED.timestamp,
			classification_type = EXCLUDED.classification_type,
			classification_label = EXCLUDED.classification_label,
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING `+transactionColumns,
		t.ID, t.ChainAlias, strings.ToLower(t.TxHash), t.BlockNumber, t.BlockHash, t.TxIndex,
		t.FromAddress, t.ToAddress, t.Value, t.Fee, t.Status, t.Timestamp,
		t.ClassificationType, t.ClassificationLabel)
	if err != nil {
		return nil, fmt.Errorf("transaction upsert: %w", translateError(err))
	}
	return &out, nil
}

// FindByChainAliasAndHash looks a transaction up by its identity,
// including soft-deleted rows so reconciliation can reattach them.
func (r *TransactionRepository) FindByChainAliasAndHash(ctx context.Context, chainAlias, txHash string) (*models.Transaction, error) {
	var out models.Transaction
	err := r.db.GetContext(ctx, &out, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE chain_alias = $1 AND tx_hash = LOWER($2)`,
		chainAlias, txHash)
	if err != nil {
		return nil, fmt.Errorf("transaction lookup: %w", translateError(err))
	}
	return &out, nil
}

// SoftDelete marks a transaction deleted without losing the row.
func (r *TransactionRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("transaction soft delete: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// Touch marks a transaction as freshly observed without changing its
// contents. Reconciliation touches every unchanged row it sees so that
// the vanished-row sweep can tell observed rows from stale ones.
func (r *TransactionRepository) Touch(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("transaction touch: %w", translateError(err))
	}
	return requireRowAffected(res)
}

// VanishedTransactionQuery selects active rows linked to an address that
// were last observed before a cutoff, optionally bounded to a block or
// timestamp window.
type VanishedTransactionQuery struct {
	ChainAlias     string
	Address        string
	ObservedBefore time.Time
	FromBlock      *int64
	ToBlock        *int64
	FromTimestamp  *time.Time
	ToTimestamp    *time.Time
}

// FindVanishedByAddress lists an address's transactions that no provider
// page has touched since the cutoff. Reconciliation soft-deletes these
// after draining a full stream.
func (r *TransactionRepository) FindVanishedByAddress(ctx context.Context, q VanishedTransactionQuery) ([]models.Transaction, error) {
	query := `
		SELECT t.id, t.chain_alias, t.tx_hash, t.block_number, t.block_hash, t.tx_index,
			t.from_address, t.to_address, t.value, t.fee, t.status, t.timestamp,
			t.classification_type, t.classification_label, t.deleted_at, t.created_at,
			t.updated_at
		FROM transactions t
		JOIN address_transactions at ON at.tx_id = t.id AND at.chain_alias = t.chain_alias
		WHERE t.chain_alias = ?
		  AND LOWER(at.address) = LOWER(?)
		  AND t.deleted_at IS NULL
		  AND t.updated_at < ?`
	args := []interface{}{q.ChainAlias, q.Address, q.ObservedBefore}

	if q.FromBlock != nil {
		query += ` AND t.block_number >= ?`
		args = append(args, *q.FromBlock)
	}
	if q.ToBlock != nil {
		query += ` AND t.block_number <= ?`
		args = append(args, *q.ToBlock)
	}
	if q.FromTimestamp != nil {
		query += ` AND t.timestamp >= ?`
		args = append(args, *q.FromTimestamp)
	}
	if q.ToTimestamp != nil {
		query += ` AND t.timestamp <= ?`
		args = append(args, *q.ToTimestamp)
	}
	query += ` ORDER BY t.timestamp ASC, t.id ASC`
	query = r.db.Rebind(query)

	var out []models.Transaction
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("transaction vanished list: %w", translateError(err))
	}
	return out, nil
}

// LinkAddress associates a transaction with an address and direction.
func (r *TransactionRepository) LinkAddress(ctx context.Context, link *models.AddressTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO address_transactions (address, chain_alias, tx_id, timestamp, direction)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address, chain_alias, tx_id) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			direction = EXCLUDED.direction`,
		link.Address, link.ChainAlias, link.TxID, link.Timestamp, link.Direction)
	if err != nil {
		return fmt.Errorf("transaction link address: %w", translateError(err))
	}
	return nil
}

// ReplaceTransfers swaps a transaction's decomposed movements in one
// transaction.
func (r *TransactionRepository) ReplaceTransfers(ctx context.Context, txID uuid.UUID, natives []models.NativeTransfer, tokens []models.TokenTransfer) error {
	return WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM native_transfers WHERE tx_id = $1`, txID); err != nil {
			return fmt.Errorf("transfers clear native: %w", translateError(err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM token_transfers WHERE tx_id = $1`, txID); err != nil {
			return fmt.Errorf("transfers clear token: %w", translateError(err))
		}
		for i := range natives {
			n := &natives[i]
			if n.ID == uuid.Nil {
				n.ID = uuid.New()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO native_transfers (id, tx_id, sender, recipient, amount)
				VALUES ($1, $2, $3, $4, $5)`,
				n.ID, txID, n.Sender, n.Recipient, n.Amount); err != nil {
				return fmt.Errorf("transfers insert native: %w", translateError(err))
			}
		}
		for i := range tokens {
			t := &tokens[i]
			if t.ID == uuid.Nil {
				t.ID = uuid.New()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO token_transfers (id, tx_id, token_address, sender, recipient, amount, transfer_type)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				t.ID, txID, t.TokenAddress, t.Sender, t.Recipient, t.Amount, t.TransferType); err != nil {
				return fmt.Errorf("transfers insert token: %w", translateError(err))
			}
		}
		return nil
	})
}

// TransactionPage is one cursor page of addressed transactions.
type TransactionPage struct {
	Data       []models.AddressedTransaction
	HasMore    bool
	NextCursor string
}

// FindByChainAliasAndAddressOptions narrows the per-address listing.
// Sort is "asc" or "desc" (desc default). Directions filters by
// in/out/neutral when non-empty.
type FindByChainAliasAndAddressOptions struct {
	Cursor     string
	Limit      int
	Sort       string
	Directions []models.TxDirection
}

// FindByChainAliasAndAddress lists transactions touching one address,
// cursor-paginated on (timestamp, tx_id) with an explicit tuple
// comparison so ordering stays correct in both directions. The address
// match is case-insensitive via the address_transactions join.
func (r *TransactionRepository) FindByChainAliasAndAddress(ctx context.Context, chainAlias, address string, opts FindByChainAliasAndAddressOptions) (*TransactionPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	desc := !strings.EqualFold(opts.Sort, "asc")

	query := `
		SELECT t.id, t.chain_alias, t.tx_hash, t.block_number, t.block_hash, t.tx_index,
			t.from_address, t.to_address, t.value, t.fee, t.status, t.timestamp,
			t.classification_type, t.classification_label, t.deleted_at, t.created_at,
			t.updated_at, at.direction
		FROM transactions t
		JOIN address_transactions at ON at.tx_id = t.id
		WHERE t.chain_alias = ?
		  AND LOWER(at.address) = LOWER(?)
		  AND at.chain_alias = t.chain_alias
		  AND t.deleted_at IS NULL`
	args := []interface{}{chainAlias, address}

	if len(opts.Directions) > 0 {
		in, inArgs, err := sqlx.In(` AND at.direction IN (?)`, opts.Directions)
		if err != nil {
			return nil, fmt.Errorf("transaction list: %w", err)
		}
		args = append(args, inArgs...)
		query += in
	}
	if c, ok := DecodeTransactionCursor(opts.Cursor); ok {
		op := "<"
		if !desc {
			op = ">"
		}
		query += fmt.Sprintf(" AND (t.timestamp, t.id) %s (?, ?)", op)
		args = append(args, c.Timestamp, c.TxID)
	}
	order := "DESC"
	if !desc {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY t.timestamp %s, t.id %s LIMIT ?", order, order)
	args = append(args, limit+1)

	query = r.db.Rebind(query)

	var rows []models.AddressedTransaction
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("transaction list: %w", translateError(err))
	}

	page := &TransactionPage{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		last := page.Data[limit-1]
		page.NextCursor = EncodeTransactionCursor(TransactionCursor{Timestamp: last.Timestamp, TxID: last.ID})
	}
	return page, nil
}
