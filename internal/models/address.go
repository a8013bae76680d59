// Package models holds the persistent domain types shared by the
// repositories and engines.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Address is a monitored (or monitorable) chain address owned by a vault.
// (LOWER(address), chain_alias) is unique.
type Address struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	Address             string     `db:"address" json:"address"`
	ChainAlias          string     `db:"chain_alias" json:"chainAlias"`
	VaultID             uuid.UUID  `db:"vault_id" json:"vaultId"`
	OrgID               string     `db:"org_id" json:"orgId"`
	WorkspaceID         string     `db:"workspace_id" json:"workspaceId"`
	Ecosystem           string     `db:"ecosystem" json:"ecosystem"`
	DerivationPath      *string    `db:"derivation_path" json:"derivationPath,omitempty"`
	Alias               *string    `db:"alias" json:"alias,omitempty"`
	IsMonitored         bool       `db:"is_monitored" json:"isMonitored"`
	SubscriptionID      *string    `db:"subscription_id" json:"subscriptionId,omitempty"`
	MonitoredAt         *time.Time `db:"monitored_at" json:"monitoredAt,omitempty"`
	UnmonitoredAt       *time.Time `db:"unmonitored_at" json:"unmonitoredAt,omitempty"`
	LastReconciledBlock *int64     `db:"last_reconciled_block" json:"lastReconciledBlock,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// AddressToken is a per-address token registration.
type AddressToken struct {
	AddressID       uuid.UUID `db:"address_id" json:"addressId"`
	ContractAddress string    `db:"contract_address" json:"contractAddress"`
	Symbol          *string   `db:"symbol" json:"symbol,omitempty"`
	Decimals        *int      `db:"decimals" json:"decimals,omitempty"`
	Name            *string   `db:"name" json:"name,omitempty"`
	Hidden          bool      `db:"hidden" json:"hidden"`
}
