// Package auth exposes the permission-check contract the core calls.
// Token parsing, sessions and role administration live outside the core.
package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Context identifies the caller of a core operation.
type Context struct {
	UserID uuid.UUID
	OrgID  string
}

// Permissions answers allow/deny for one (module, action) pair,
// optionally scoped to a resource.
type Permissions interface {
	Check(ctx context.Context, ac Context, module, action string, resourceScope *string) (bool, error)
}

// ActionResolver is the persistence-side contract the resolver needs;
// implemented by database.RBACRepository.
type ActionResolver interface {
	ResolveActions(ctx context.Context, userID uuid.UUID, orgID, module string, resourceScope *string) (map[string]struct{}, error)
}

// Resolver resolves permissions through the RBAC tables.
type Resolver struct {
	actions ActionResolver
}

func NewResolver(actions ActionResolver) *Resolver {
	return &Resolver{actions: actions}
}

// Check reports whether the caller may perform action within module.
func (r *Resolver) Check(ctx context.Context, ac Context, module, action string, resourceScope *string) (bool, error) {
	if ac.UserID == uuid.Nil {
		return false, fmt.Errorf("auth: missing user id")
	}
	set, err := r.actions.ResolveActions(ctx, ac.UserID, ac.OrgID, module, resourceScope)
	if err != nil {
		return false, fmt.Errorf("auth: resolve actions: %w", err)
	}
	_, ok := set[action]
	return ok, nil
}
