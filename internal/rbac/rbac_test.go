package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

type fakeStore struct {
	entityRoles    map[string]*models.EntityRole
	communityRoles map[int64]map[string]*models.CommunityRBAC
	entityGroups   map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entityRoles:    map[string]*models.EntityRole{},
		communityRoles: map[int64]map[string]*models.CommunityRBAC{},
		entityGroups:   map[string]int64{},
	}
}

func (f *fakeStore) GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error) {
	if r, ok := f.entityRoles[entityID+":"+userID]; ok {
		return r, nil
	}
	return nil, &apierr.NotFound{Entity: "entity_role", Key: userID}
}

func (f *fakeStore) GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error) {
	if m, ok := f.communityRoles[communityID]; ok {
		if r, ok := m[userID]; ok {
			return r, nil
		}
	}
	return nil, &apierr.NotFound{Entity: "community_rbac", Key: userID}
}

func (f *fakeStore) FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error) {
	if id, ok := f.entityGroups[entityID]; ok {
		return id, true, nil
	}
	return 0, false, nil
}

func (f *fakeStore) EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error) {
	return true, nil
}

func (f *fakeStore) AssignEntityRole(ctx context.Context, r *models.EntityRole) error {
	if f.entityRoles == nil {
		f.entityRoles = map[string]*models.EntityRole{}
	}
	f.entityRoles[r.EntityID+":"+r.UserID] = r
	return nil
}

func (f *fakeStore) AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error {
	if f.communityRoles[r.CommunityID] == nil {
		f.communityRoles[r.CommunityID] = map[string]*models.CommunityRBAC{}
	}
	f.communityRoles[r.CommunityID][r.UserID] = r
	return nil
}

func TestResolver_EntityRoleTakesPrecedence(t *testing.T) {
	store := newFakeStore()
	store.entityRoles["e1:u1"] = &models.EntityRole{Role: models.RoleModerator}
	store.entityGroups["e1"] = 42
	store.communityRoles[42] = map[string]*models.CommunityRBAC{"u1": {Role: models.RoleOwner}}

	r := New(store)
	res, err := r.ResolveRole(context.Background(), "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, res.Role)
	assert.Equal(t, "entity", res.Source)
}

func TestResolver_FallsBackToCommunityRole(t *testing.T) {
	store := newFakeStore()
	store.entityGroups["e1"] = 42
	store.communityRoles[42] = map[string]*models.CommunityRBAC{"u1": {Role: models.RoleOwner}}

	r := New(store)
	res, err := r.ResolveRole(context.Background(), "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, res.Role)
	assert.Equal(t, "community", res.Source)
}

func TestResolver_FallsBackToGlobalCommunity(t *testing.T) {
	store := newFakeStore()
	store.communityRoles[models.GlobalCommunityID] = map[string]*models.CommunityRBAC{"u1": {Role: models.RoleModerator}}

	r := New(store)
	res, err := r.ResolveRole(context.Background(), "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, res.Role)
	assert.Equal(t, "global", res.Source)
}

func TestResolver_DefaultsToUser(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	res, err := r.ResolveRole(context.Background(), "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, res.Role)
}

func TestHasRoleLevel(t *testing.T) {
	assert.True(t, HasRoleLevel(models.RoleOwner, models.RoleModerator))
	assert.False(t, HasRoleLevel(models.RoleUser, models.RoleModerator))
	assert.True(t, HasRoleLevel(models.RoleModerator, models.RoleModerator))
}

func TestResolver_ResolveRoleBatch(t *testing.T) {
	store := newFakeStore()
	store.communityRoles[models.GlobalCommunityID] = map[string]*models.CommunityRBAC{
		"u1": {Role: models.RoleOwner},
		"u2": {Role: models.RoleUser},
	}
	r := New(store)

	results, errs := r.ResolveRoleBatch(context.Background(), []RoleQuery{
		{EntityID: "e1", UserID: "u1"},
		{EntityID: "e1", UserID: "u2"},
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, models.RoleOwner, results[0].Role)
	assert.Equal(t, models.RoleUser, results[1].Role)
}

func TestResolver_CheckPermissionsBulk(t *testing.T) {
	store := newFakeStore()
	store.communityRoles[models.GlobalCommunityID] = map[string]*models.CommunityRBAC{
		"u1": {Role: models.RoleOwner},
		"u2": {Role: models.RoleUser},
	}
	r := New(store)

	allowed, errs := r.CheckPermissionsBulk(context.Background(), []PermissionQuery{
		{EntityID: "e1", UserID: "u1", Minimum: models.RoleModerator},
		{EntityID: "e1", UserID: "u2", Minimum: models.RoleModerator},
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, allowed[0])
	assert.False(t, allowed[1])
}

func TestResolver_AssignRolesBulk(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	errs := r.AssignRolesBulk(context.Background(), []RoleAssignment{
		{EntityID: "e1", UserID: "u1", Role: models.RoleModerator, AssignedBy: "admin"},
		{UserID: "u2", Role: models.RoleOwner, AssignedBy: "admin"},
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, models.RoleModerator, store.entityRoles["e1:u1"].Role)
	assert.Equal(t, models.RoleOwner, store.communityRoles[models.GlobalCommunityID]["u2"].Role)
}

func TestResolver_EnsureUsersInGlobalCommunityBulk(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	created, errs := r.EnsureUsersInGlobalCommunityBulk(context.Background(), []string{"u1", "u2", "u3"})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, created, 3)
	for _, c := range created {
		assert.True(t, c)
	}
}
