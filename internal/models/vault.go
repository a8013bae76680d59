package models

import (
	"time"

	"github.com/google/uuid"
)

// Vault is a multi-party signing aggregate. Curves are created
// atomically with the vault.
type Vault struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	OrgID       string    `db:"org_id" json:"orgId"`
	WorkspaceID string    `db:"workspace_id" json:"workspaceId"`
	Threshold   int       `db:"threshold" json:"threshold"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`

	Curves []VaultCurve `db:"-" json:"curves,omitempty"`
}

// VaultCurve is one (curve, algorithm, key) tuple under a vault.
type VaultCurve struct {
	VaultID   uuid.UUID `db:"vault_id" json:"vaultId"`
	Curve     string    `db:"curve" json:"curve"`
	Algorithm string    `db:"algorithm" json:"algorithm"`
	PublicKey string    `db:"public_key" json:"publicKey"`
	Xpub      *string   `db:"xpub" json:"xpub,omitempty"`
}

// TagAssignment attaches a free-form tag to a vault.
type TagAssignment struct {
	VaultID   uuid.UUID `db:"vault_id" json:"vaultId"`
	Tag       string    `db:"tag" json:"tag"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// User is an RBAC principal within an organisation.
type User struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrgID      string    `db:"org_id" json:"orgId"`
	Email      string    `db:"email" json:"email"`
	GlobalRole string    `db:"global_role" json:"globalRole"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// ModuleRole grants a user a role within a module, optionally scoped to
// a single resource.
type ModuleRole struct {
	UserID        uuid.UUID `db:"user_id" json:"userId"`
	Module        string    `db:"module" json:"module"`
	Role          string    `db:"role" json:"role"`
	ResourceScope *string   `db:"resource_scope" json:"resourceScope,omitempty"`
}
