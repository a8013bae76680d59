package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

const vaultColumns = `id, name, org_id, workspace_id, threshold, created_at, updated_at`

// VaultRepository persists vault aggregates. A vault and its curves are
// created atomically; deleting a vault cascades to curves, tags and
// addresses.
type VaultRepository struct {
	db          *sqlx.DB
	addressRepo *AddressRepository
}

func NewVaultRepository(db *sqlx.DB, addressRepo *AddressRepository) *VaultRepository {
	return &VaultRepository{db: db, addressRepo: addressRepo}
}

// CreateVaultWithCurves inserts the vault and all its curves in one
// transaction and returns the persisted aggregate.
func (r *VaultRepository) CreateVaultWithCurves(ctx context.Context, vault *models.Vault, curves []models.VaultCurve) (*models.Vault, error) {
	if vault.ID == uuid.Nil {
		vault.ID = uuid.New()
	}
	var out models.Vault
	err := WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &out, `
			INSERT INTO vaults (id, name, org_id, workspace_id, threshold)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+vaultColumns,
			vault.ID, vault.Name, vault.OrgID, vault.WorkspaceID, vault.Threshold); err != nil {
			return fmt.Errorf("vault create: %w", translateError(err))
		}
		for i := range curves {
			c := &curves[i]
			c.VaultID = vault.ID
			if err := tx.GetContext(ctx, c, `
				INSERT INTO vault_curves (vault_id, curve, algorithm, public_key, xpub)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING vault_id, curve, algorithm, public_key, xpub`,
				c.VaultID, c.Curve, c.Algorithm, c.PublicKey, c.Xpub); err != nil {
				return fmt.Errorf("vault curve create: %w", translateError(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Curves = curves
	return &out, nil
}

// FindByID returns the vault with its curves.
func (r *VaultRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Vault, error) {
	var out models.Vault
	if err := r.db.GetContext(ctx, &out, `
		SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("vault lookup: %w", translateError(err))
	}
	if err := r.db.SelectContext(ctx, &out.Curves, `
		SELECT vault_id, curve, algorithm, public_key, xpub
		FROM vault_curves WHERE vault_id = $1
		ORDER BY curve ASC`, id); err != nil {
		return nil, fmt.Errorf("vault curves: %w", translateError(err))
	}
	return &out, nil
}

// AssignTag attaches a tag to a vault; re-assigning is a no-op.
func (r *VaultRepository) AssignTag(ctx context.Context, vaultID uuid.UUID, tag string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tag_assignments (vault_id, tag)
		VALUES ($1, $2)
		ON CONFLICT (vault_id, tag) DO NOTHING`,
		vaultID, tag)
	if err != nil {
		return fmt.Errorf("vault tag assign: %w", translateError(err))
	}
	return nil
}

// ListTags returns a vault's tags.
func (r *VaultRepository) ListTags(ctx context.Context, vaultID uuid.UUID) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT tag FROM tag_assignments WHERE vault_id = $1 ORDER BY tag ASC`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("vault tags: %w", translateError(err))
	}
	return out, nil
}

// Delete removes the vault and, through the address repository, its
// addresses, inside one transaction. Curves and tags cascade in the
// schema.
func (r *VaultRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := r.addressRepo.DeleteByVaultID(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM vaults WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("vault delete: %w", translateError(err))
		}
		return requireRowAffected(res)
	})
}
