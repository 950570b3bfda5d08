package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

func scanCommunity(row pgxRow) (*models.Community, error) {
	var c models.Community
	var owners, entityGroups, memberIDs, settings []byte
	err := row.Scan(&c.ID, &c.Name, &owners, &entityGroups, &memberIDs, &c.Description,
		&c.IsActive, &settings, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Owners = unmarshalStrings(owners)
	c.EntityGroups = unmarshalStrings(entityGroups)
	c.MemberIDs = unmarshalStrings(memberIDs)
	c.Settings = unmarshalMap(settings)
	return &c, nil
}

// EnsureGlobalCommunity is a no-op in practice: migration 00001 seeds
// community id 1 at schema-creation time. Kept so callers don't need to
// special-case boot ordering against the seed data.
func (p *Postgres) EnsureGlobalCommunity(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO communities (id, name, owners, created_by)
		VALUES ($1, 'global', '[]', 'system')
		ON CONFLICT (id) DO NOTHING`, models.GlobalCommunityID)
	return wrap("ensure global community", err)
}

func (p *Postgres) GetCommunity(ctx context.Context, id int64) (*models.Community, error) {
	row := p.readPool.QueryRow(ctx, `
		SELECT id, name, owners, entity_groups, member_ids, description, is_active, settings,
			created_by, created_at, updated_at
		FROM communities WHERE id=$1`, id)
	c, err := scanCommunity(row)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "community", Key: itoa(id)}
	}
	return c, wrap("get community", err)
}

func (p *Postgres) GetMembership(ctx context.Context, communityID int64, userID string) (*models.CommunityMembership, error) {
	var m models.CommunityMembership
	err := p.readPool.QueryRow(ctx, `
		SELECT id, community_id, user_id, joined_at, is_active, invited_by
		FROM community_memberships WHERE community_id=$1 AND user_id=$2`, communityID, userID).
		Scan(&m.ID, &m.CommunityID, &m.UserID, &m.JoinedAt, &m.IsActive, &m.InvitedBy)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "community_membership", Key: userID}
	}
	return &m, wrap("get community membership", err)
}

// EnsureMembership joins userID to communityID if not already a member, and
// on first sight also assigns the baseline RoleUser community_rbac row, so
// RBAC's community tier has something to resolve for every auto-joined user
// instead of always falling through to the global/default tier.
func (p *Postgres) EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO community_memberships (community_id, user_id)
		SELECT $1, $2
		WHERE NOT EXISTS (
			SELECT 1 FROM community_memberships WHERE community_id=$1 AND user_id=$2 AND is_active=true
		)`, communityID, userID)
	if err != nil {
		return false, wrap("ensure community membership", err)
	}
	created := tag.RowsAffected() > 0
	if created {
		if err := p.AssignCommunityRole(ctx, &models.CommunityRBAC{
			CommunityID: communityID,
			UserID:      userID,
			Role:        models.RoleUser,
			AssignedBy:  "system",
		}); err != nil {
			return created, wrap("assign baseline community role", err)
		}
	}
	return created, nil
}

func (p *Postgres) GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error) {
	var r models.CommunityRBAC
	var perms []byte
	err := p.readPool.QueryRow(ctx, `
		SELECT id, community_id, user_id, role, permissions, assigned_by, assigned_at, is_active
		FROM community_rbac WHERE community_id=$1 AND user_id=$2 AND is_active=true`, communityID, userID).
		Scan(&r.ID, &r.CommunityID, &r.UserID, &r.Role, &perms, &r.AssignedBy, &r.AssignedAt, &r.IsActive)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "community_rbac", Key: userID}
	}
	if err != nil {
		return nil, wrap("get community role", err)
	}
	r.Permissions = unmarshalStrings(perms)
	return &r, nil
}

func (p *Postgres) AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error {
	perms, err := marshalJSON(r.Permissions)
	if err != nil {
		return wrap("marshal community rbac permissions", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE community_rbac SET role=$3, permissions=$4, assigned_by=$5, assigned_at=now()
		WHERE community_id=$1 AND user_id=$2 AND is_active=true`,
		r.CommunityID, r.UserID, r.Role, perms, r.AssignedBy)
	if err != nil {
		return wrap("assign community role", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO community_rbac (community_id, user_id, role, permissions, assigned_by)
		VALUES ($1,$2,$3,$4,$5)`, r.CommunityID, r.UserID, r.Role, perms, r.AssignedBy)
	return wrap("assign community role", err)
}

func (p *Postgres) GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error) {
	var r models.EntityRole
	var perms []byte
	err := p.readPool.QueryRow(ctx, `
		SELECT id, entity_id, user_id, role, permissions, assigned_by, assigned_at, is_active
		FROM entity_roles WHERE entity_id=$1 AND user_id=$2 AND is_active=true`, entityID, userID).
		Scan(&r.ID, &r.EntityID, &r.UserID, &r.Role, &perms, &r.AssignedBy, &r.AssignedAt, &r.IsActive)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "entity_role", Key: userID}
	}
	if err != nil {
		return nil, wrap("get entity role", err)
	}
	r.Permissions = unmarshalStrings(perms)
	return &r, nil
}

func (p *Postgres) AssignEntityRole(ctx context.Context, r *models.EntityRole) error {
	perms, err := marshalJSON(r.Permissions)
	if err != nil {
		return wrap("marshal entity role permissions", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE entity_roles SET role=$3, permissions=$4, assigned_by=$5, assigned_at=now()
		WHERE entity_id=$1 AND user_id=$2 AND is_active=true`,
		r.EntityID, r.UserID, r.Role, perms, r.AssignedBy)
	if err != nil {
		return wrap("assign entity role", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO entity_roles (entity_id, user_id, role, permissions, assigned_by)
		VALUES ($1,$2,$3,$4,$5)`, r.EntityID, r.UserID, r.Role, perms, r.AssignedBy)
	return wrap("assign entity role", err)
}

// FindCommunityForEntityGroup resolves the community an entity's group
// belongs to, for RBAC's second resolution step. found=false means the
// entity isn't in any entity_group, so RBAC falls through to the global
// community directly.
func (p *Postgres) FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error) {
	var communityID int64
	err := p.readPool.QueryRow(ctx, `
		SELECT community_id FROM entity_groups
		WHERE is_active = true AND community_id IS NOT NULL AND entity_ids @> to_jsonb($1::text)
		LIMIT 1`, entityID).Scan(&communityID)
	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("find community for entity group", err)
	}
	return communityID, true, nil
}
