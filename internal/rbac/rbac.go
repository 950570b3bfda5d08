// Package rbac resolves a user's effective Role for a command dispatch:
// an entity-scoped override takes precedence over the user's role in the
// community the entity belongs to, which falls back to their role in the
// global community.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/workerpool"
	"github.com/waddlebot/router/pkg/models"
)

// Store is the persistence dependency; satisfied by internal/store.Postgres.
type Store interface {
	GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error)
	GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error)
	FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error)
	EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error)
	AssignEntityRole(ctx context.Context, r *models.EntityRole) error
	AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error
}

// Resolver resolves effective roles for users across entities/communities.
type Resolver struct {
	store Store
}

func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolution is the result of resolving a user's role for an entity, along
// with which tier of the precedence chain supplied it.
type Resolution struct {
	Role        models.Role
	Permissions []string
	Source      string // "entity", "community", or "global"
}

// ResolveRole walks the three-step precedence chain: an EntityRole scoped to
// entityID, then the user's CommunityRBAC role in the community the entity's
// group belongs to, then their role in the global community. Users with no
// assignment anywhere default to RoleUser from the global community.
func (r *Resolver) ResolveRole(ctx context.Context, entityID, userID string) (*Resolution, error) {
	if er, err := r.store.GetEntityRole(ctx, entityID, userID); err == nil {
		return &Resolution{Role: er.Role, Permissions: er.Permissions, Source: "entity"}, nil
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("resolve entity role: %w", err)
	}

	if communityID, found, err := r.store.FindCommunityForEntityGroup(ctx, entityID); err != nil {
		return nil, fmt.Errorf("find community for entity group: %w", err)
	} else if found {
		if cr, err := r.store.GetCommunityRole(ctx, communityID, userID); err == nil {
			return &Resolution{Role: cr.Role, Permissions: cr.Permissions, Source: "community"}, nil
		} else if !isNotFound(err) {
			return nil, fmt.Errorf("resolve community role: %w", err)
		}
	}

	if cr, err := r.store.GetCommunityRole(ctx, models.GlobalCommunityID, userID); err == nil {
		return &Resolution{Role: cr.Role, Permissions: cr.Permissions, Source: "global"}, nil
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("resolve global role: %w", err)
	}

	return &Resolution{Role: models.RoleUser, Source: "global"}, nil
}

// HasRoleLevel reports whether role meets or exceeds minimum in RoleHierarchy.
func HasRoleLevel(role, minimum models.Role) bool {
	return models.RoleHierarchy[role] >= models.RoleHierarchy[minimum]
}

// EnsureGlobalMembership joins userID to the global community if not
// already a member. Called on every inbound event per spec so every user
// the router sees has at least a global membership row.
func (r *Resolver) EnsureGlobalMembership(ctx context.Context, userID string) (bool, error) {
	created, err := r.store.EnsureMembership(ctx, models.GlobalCommunityID, userID)
	if err != nil {
		return false, fmt.Errorf("ensure global membership: %w", err)
	}
	return created, nil
}

// ResolveRoleBatch resolves roles for many (entityID,userID) pairs
// concurrently, bounded by a small worker pool, for bulk onboarding/import
// endpoints.
type RoleQuery struct {
	EntityID string
	UserID   string
}

const batchPoolSize = 10

// indexedQuery pairs a RoleQuery with its position so results can be
// written back to the right slot from concurrent workers.
type indexedQuery struct {
	index int
	query RoleQuery
}

func (r *Resolver) ResolveRoleBatch(ctx context.Context, queries []RoleQuery) ([]*Resolution, []error) {
	indexed := make([]indexedQuery, len(queries))
	for i, q := range queries {
		indexed[i] = indexedQuery{index: i, query: q}
	}
	results := make([]*Resolution, len(queries))

	errs := workerpool.Run(batchPoolSize, indexed, func(iq indexedQuery) error {
		res, err := r.ResolveRole(ctx, iq.query.EntityID, iq.query.UserID)
		if err != nil {
			return err
		}
		results[iq.index] = res
		return nil
	})
	return results, errs
}

// PermissionQuery is one bulk permission check: does userID meet Minimum for EntityID.
type PermissionQuery struct {
	EntityID string
	UserID   string
	Minimum  models.Role
}

// indexedPermQuery pairs a PermissionQuery with its position for concurrent writeback.
type indexedPermQuery struct {
	index int
	query PermissionQuery
}

// CheckPermissionsBulk resolves and role-checks many (entityID,userID,minimum)
// triples concurrently, bounded by the same worker pool as ResolveRoleBatch.
func (r *Resolver) CheckPermissionsBulk(ctx context.Context, queries []PermissionQuery) ([]bool, []error) {
	indexed := make([]indexedPermQuery, len(queries))
	for i, q := range queries {
		indexed[i] = indexedPermQuery{index: i, query: q}
	}
	results := make([]bool, len(queries))

	errs := workerpool.Run(batchPoolSize, indexed, func(iq indexedPermQuery) error {
		res, err := r.ResolveRole(ctx, iq.query.EntityID, iq.query.UserID)
		if err != nil {
			return err
		}
		results[iq.index] = HasRoleLevel(res.Role, iq.query.Minimum)
		return nil
	})
	return results, errs
}

// RoleAssignment is one bulk role grant. EntityID set assigns an entity-scoped
// override; otherwise CommunityID is assigned (0 defaults to the global community).
type RoleAssignment struct {
	EntityID    string
	CommunityID int64
	UserID      string
	Role        models.Role
	AssignedBy  string
}

// AssignRolesBulk applies many role assignments concurrently, bounded by the
// same worker pool as the other bulk RBAC operations.
func (r *Resolver) AssignRolesBulk(ctx context.Context, assignments []RoleAssignment) []error {
	return workerpool.Run(batchPoolSize, assignments, func(a RoleAssignment) error {
		if a.EntityID != "" {
			return r.store.AssignEntityRole(ctx, &models.EntityRole{
				EntityID:   a.EntityID,
				UserID:     a.UserID,
				Role:       a.Role,
				AssignedBy: a.AssignedBy,
			})
		}
		communityID := a.CommunityID
		if communityID == 0 {
			communityID = models.GlobalCommunityID
		}
		return r.store.AssignCommunityRole(ctx, &models.CommunityRBAC{
			CommunityID: communityID,
			UserID:      a.UserID,
			Role:        a.Role,
			AssignedBy:  a.AssignedBy,
		})
	})
}

// EnsureUsersInGlobalCommunityBulk joins many userIDs to the global community
// concurrently, for bulk onboarding/import endpoints. The bool per result
// reports whether that call created a new membership row.
func (r *Resolver) EnsureUsersInGlobalCommunityBulk(ctx context.Context, userIDs []string) ([]bool, []error) {
	results := make([]bool, len(userIDs))
	type indexedUser struct {
		index  int
		userID string
	}
	indexed := make([]indexedUser, len(userIDs))
	for i, u := range userIDs {
		indexed[i] = indexedUser{index: i, userID: u}
	}
	errs := workerpool.Run(batchPoolSize, indexed, func(iu indexedUser) error {
		created, err := r.EnsureGlobalMembership(ctx, iu.userID)
		if err != nil {
			return err
		}
		results[iu.index] = created
		return nil
	})
	return results, errs
}

func isNotFound(err error) bool {
	var nf *apierr.NotFound
	return errors.As(err, &nf)
}
