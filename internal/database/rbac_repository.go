package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

// RBACRepository resolves permissions as the set of action names
// reachable through a user's module roles.
type RBACRepository struct {
	db *sqlx.DB
}

func NewRBACRepository(db *sqlx.DB) *RBACRepository {
	return &RBACRepository{db: db}
}

// FindUserByEmail looks a user up within an organisation,
// case-insensitively.
func (r *RBACRepository) FindUserByEmail(ctx context.Context, orgID, email string) (*models.User, error) {
	var out models.User
	err := r.db.GetContext(ctx, &out, `
		SELECT id, org_id, email, global_role, created_at
		FROM rbac_users
		WHERE org_id = $1 AND LOWER(email) = LOWER($2)`,
		orgID, email)
	if err != nil {
		return nil, fmt.Errorf("rbac user lookup: %w", translateError(err))
	}
	return &out, nil
}

// GrantModuleRole attaches a role to a user within a module, optionally
// scoped to one resource.
func (r *RBACRepository) GrantModuleRole(ctx context.Context, role *models.ModuleRole) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rbac_module_roles (user_id, module, role, resource_scope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, module, role, COALESCE(resource_scope, '')) DO NOTHING`,
		role.UserID, role.Module, role.Role, role.ResourceScope)
	if err != nil {
		return fmt.Errorf("rbac grant: %w", translateError(err))
	}
	return nil
}

// ResolveActions returns the action names a user may perform in a
// module. Roles scoped to a resource only contribute when the scope
// matches; unscoped roles always apply.
func (r *RBACRepository) ResolveActions(ctx context.Context, userID uuid.UUID, orgID, module string, resourceScope *string) (map[string]struct{}, error) {
	var actions []string
	err := r.db.SelectContext(ctx, &actions, `
		SELECT DISTINCT ra.action
		FROM rbac_module_roles mr
		JOIN rbac_role_actions ra ON ra.module = mr.module AND ra.role = mr.role
		JOIN rbac_users u ON u.id = mr.user_id
		WHERE mr.user_id = $1
		  AND u.org_id = $2
		  AND mr.module = $3
		  AND (mr.resource_scope IS NULL OR mr.resource_scope = $4)`,
		userID, orgID, module, resourceScope)
	if err != nil {
		return nil, fmt.Errorf("rbac resolve: %w", translateError(err))
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set, nil
}
