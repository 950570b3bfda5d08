package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/store"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/pkg/models"
)

// fakeStore is a minimal in-memory store.Store double for handler tests. It
// implements every sub-interface but only the methods each test actually
// exercises hold real behavior; the rest return zero values.
type fakeStore struct {
	commands     map[int64]*models.Command
	entities     map[int64]*models.Entity
	entitiesByID map[string]*models.Entity
	rules        map[int64]*models.StringMatchRule
	accounts     map[int64]*models.ServiceAccount
	permissions  map[[2]int64]*models.CommandPermission
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commands:     map[int64]*models.Command{},
		entities:     map[int64]*models.Entity{},
		entitiesByID: map[string]*models.Entity{},
		rules:        map[int64]*models.StringMatchRule{},
		accounts:     map[int64]*models.ServiceAccount{},
		permissions:  map[[2]int64]*models.CommandPermission{},
		nextID:       1,
	}
}

func (f *fakeStore) allocID() int64 {
	id := f.nextID
	f.nextID++
	return id
}

// CommandStore
func (f *fakeStore) GetCommandByPrefixName(ctx context.Context, prefix, name string) (*models.Command, error) {
	for _, c := range f.commands {
		if c.Prefix == prefix && c.Command == name {
			return c, nil
		}
	}
	return nil, &apierr.NotFound{Entity: "command"}
}
func (f *fakeStore) GetCommand(ctx context.Context, id int64) (*models.Command, error) {
	if c, ok := f.commands[id]; ok {
		return c, nil
	}
	return nil, &apierr.NotFound{Entity: "command"}
}
func (f *fakeStore) ListCommands(ctx context.Context, fl store.ListFilter) ([]*models.Command, error) {
	var out []*models.Command
	for _, c := range f.commands {
		out = append(out, c)
	}
	return out, nil
}
func (f *fakeStore) ListEventTriggeredCommands(ctx context.Context, entityID, messageType string) ([]*models.Command, error) {
	return nil, nil
}
func (f *fakeStore) CreateCommand(ctx context.Context, c *models.Command) (*models.Command, error) {
	c.ID = f.allocID()
	f.commands[c.ID] = c
	return c, nil
}
func (f *fakeStore) UpdateCommand(ctx context.Context, c *models.Command) error {
	if _, ok := f.commands[c.ID]; !ok {
		return &apierr.NotFound{Entity: "command"}
	}
	f.commands[c.ID] = c
	return nil
}
func (f *fakeStore) SetCommandActive(ctx context.Context, id int64, active bool) error {
	c, ok := f.commands[id]
	if !ok {
		return &apierr.NotFound{Entity: "command"}
	}
	c.IsActive = active
	return nil
}

// EntityStore
func (f *fakeStore) GetEntityByEntityID(ctx context.Context, entityID string) (*models.Entity, error) {
	if e, ok := f.entitiesByID[entityID]; ok {
		return e, nil
	}
	return nil, &apierr.NotFound{Entity: "entity"}
}
func (f *fakeStore) GetEntity(ctx context.Context, id int64) (*models.Entity, error) {
	if e, ok := f.entities[id]; ok {
		return e, nil
	}
	return nil, &apierr.NotFound{Entity: "entity"}
}
func (f *fakeStore) EnsureEntity(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	if existing, ok := f.entitiesByID[e.EntityID]; ok {
		return existing, false, nil
	}
	e.ID = f.allocID()
	f.entities[e.ID] = e
	f.entitiesByID[e.EntityID] = e
	return e, true, nil
}
func (f *fakeStore) ListEntities(ctx context.Context, fl store.ListFilter) ([]*models.Entity, error) {
	var out []*models.Entity
	for _, e := range f.entities {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeStore) EnsureEntityGroupForServer(ctx context.Context, platform models.Platform, serverID, entityID, createdBy string) (*models.EntityGroup, error) {
	return &models.EntityGroup{ID: 1, Platform: platform, ServerID: serverID}, nil
}

// CommandPermissionStore
func (f *fakeStore) GetPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error) {
	if p, ok := f.permissions[[2]int64{commandID, entityID}]; ok {
		return p, nil
	}
	return nil, &apierr.NotFound{Entity: "permission"}
}
func (f *fakeStore) UpsertPermission(ctx context.Context, p *models.CommandPermission) (*models.CommandPermission, error) {
	if p.ID == 0 {
		p.ID = f.allocID()
	}
	f.permissions[[2]int64{p.CommandID, p.EntityID}] = p
	return p, nil
}
func (f *fakeStore) TouchPermissionUsage(ctx context.Context, commandID, entityID int64) error { return nil }

// CommandExecutionStore
func (f *fakeStore) CreateExecution(ctx context.Context, e *models.CommandExecution) (*models.CommandExecution, error) {
	return e, nil
}
func (f *fakeStore) CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, responseStatus int, responseData map[string]interface{}, execMs int64, errMsg string, retryCount int) error {
	return nil
}
func (f *fakeStore) GetExecutionByExecutionID(ctx context.Context, executionID string) (*models.CommandExecution, error) {
	return nil, &apierr.NotFound{Entity: "execution"}
}

// ModuleResponseStore
func (f *fakeStore) CreateModuleResponse(ctx context.Context, r *models.ModuleResponse) error { return nil }
func (f *fakeStore) ListModuleResponses(ctx context.Context, executionID string) ([]*models.ModuleResponse, error) {
	return nil, nil
}

// RateLimitStore
func (f *fakeStore) RecordRateLimitHit(ctx context.Context, commandID int64, entityID, userID string, windowStart time.Time) error {
	return nil
}

// StringMatchStore
func (f *fakeStore) ListActiveRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error) {
	var out []*models.StringMatchRule
	for _, r := range f.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeStore) ListAllRules(ctx context.Context) ([]*models.StringMatchRule, error) {
	var out []*models.StringMatchRule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeStore) GetRule(ctx context.Context, id int64) (*models.StringMatchRule, error) {
	if r, ok := f.rules[id]; ok {
		return r, nil
	}
	return nil, &apierr.NotFound{Entity: "rule"}
}
func (f *fakeStore) CreateRule(ctx context.Context, r *models.StringMatchRule) (*models.StringMatchRule, error) {
	r.ID = f.allocID()
	f.rules[r.ID] = r
	return r, nil
}
func (f *fakeStore) UpdateRule(ctx context.Context, r *models.StringMatchRule) error {
	if _, ok := f.rules[r.ID]; !ok {
		return &apierr.NotFound{Entity: "rule"}
	}
	f.rules[r.ID] = r
	return nil
}
func (f *fakeStore) DeleteRule(ctx context.Context, id int64) error {
	if _, ok := f.rules[id]; !ok {
		return &apierr.NotFound{Entity: "rule"}
	}
	delete(f.rules, id)
	return nil
}
func (f *fakeStore) RecordMatch(ctx context.Context, id int64) error { return nil }

// CoordinationStore (unused by the tests in this file; zero-value behavior)
func (f *fakeStore) Populate(ctx context.Context, platform models.Platform) (int, error) { return 0, nil }
func (f *fakeStore) ClaimCandidates(ctx context.Context, platform models.Platform, checkinTimeout time.Duration, limit int) ([]*models.Coordination, error) {
	return nil, nil
}
func (f *fakeStore) TryClaim(ctx context.Context, id int64, containerID string, claimExpires time.Time, checkinTimeout time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeStore) Release(ctx context.Context, containerID string, entityIDs []string) (int, error) {
	return 0, nil
}
func (f *fakeStore) Checkin(ctx context.Context, containerID string, claimExpires time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) ListClaimedBy(ctx context.Context, containerID string) ([]*models.Coordination, error) {
	return nil, nil
}
func (f *fakeStore) UpdateStatus(ctx context.Context, containerID, entityID string, isLive *bool, viewerCount *int, metadata map[string]interface{}, hasActivity bool) error {
	return nil
}
func (f *fakeStore) ReportError(ctx context.Context, containerID, entityID string) (int, error) {
	return 0, nil
}
func (f *fakeStore) ReleaseOfflineEntities(ctx context.Context, containerID string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) CleanupExpiredClaims(ctx context.Context, checkinTimeout time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeStore) Stats(ctx context.Context) (map[string]interface{}, error) { return nil, nil }
func (f *fakeStore) ListCoordinationEntities(ctx context.Context, fl store.ListFilter) ([]*models.Coordination, error) {
	return nil, nil
}
func (f *fakeStore) ListServers(ctx context.Context, platform models.Platform) ([]*models.Server, error) {
	return nil, nil
}

// CommunityStore
func (f *fakeStore) EnsureGlobalCommunity(ctx context.Context) error { return nil }
func (f *fakeStore) GetCommunity(ctx context.Context, id int64) (*models.Community, error) {
	return nil, &apierr.NotFound{Entity: "community"}
}
func (f *fakeStore) GetMembership(ctx context.Context, communityID int64, userID string) (*models.CommunityMembership, error) {
	return nil, &apierr.NotFound{Entity: "membership"}
}
func (f *fakeStore) EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error) {
	return true, nil
}
func (f *fakeStore) GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error) {
	return nil, &apierr.NotFound{Entity: "role"}
}
func (f *fakeStore) AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error { return nil }
func (f *fakeStore) GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error) {
	return nil, &apierr.NotFound{Entity: "role"}
}
func (f *fakeStore) AssignEntityRole(ctx context.Context, r *models.EntityRole) error { return nil }
func (f *fakeStore) FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error) {
	return models.GlobalCommunityID, false, nil
}

// ServiceAccountStore
func (f *fakeStore) GetServiceAccountByHash(ctx context.Context, hash string) (*models.ServiceAccount, error) {
	for _, a := range f.accounts {
		if a.APIKeyHash == hash {
			return a, nil
		}
	}
	return nil, &apierr.NotFound{Entity: "service account"}
}
func (f *fakeStore) GetServiceAccount(ctx context.Context, id int64) (*models.ServiceAccount, error) {
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, &apierr.NotFound{Entity: "service account"}
}
func (f *fakeStore) CreateServiceAccount(ctx context.Context, a *models.ServiceAccount) (*models.ServiceAccount, error) {
	a.ID = f.allocID()
	f.accounts[a.ID] = a
	return a, nil
}
func (f *fakeStore) RevokeServiceAccount(ctx context.Context, id int64) error {
	a, ok := f.accounts[id]
	if !ok {
		return &apierr.NotFound{Entity: "service account"}
	}
	a.IsActive = false
	return nil
}
func (f *fakeStore) RegenerateServiceAccountKey(ctx context.Context, id int64, newHash string) error {
	a, ok := f.accounts[id]
	if !ok {
		return &apierr.NotFound{Entity: "service account"}
	}
	a.APIKeyHash = newHash
	return nil
}
func (f *fakeStore) TouchServiceAccountUsage(ctx context.Context, id int64) error { return nil }
func (f *fakeStore) RecordAPIUsage(ctx context.Context, u *models.APIUsage) error { return nil }
func (f *fakeStore) CountUsageSince(ctx context.Context, serviceAccountID int64, since time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close()                         {}

func newTestHandlers(s *fakeStore) *Handlers {
	return New(s, nil, nil, rbac.New(s), stringmatch.New(s, ""), nil)
}

func newJSONRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	return httptest.NewRequest(method, target, &buf)
}

func TestGetHealth(t *testing.T) {
	h := newTestHandlers(newFakeStore())
	req := httptest.NewRequest(http.MethodGet, "/router/health", nil)
	w := httptest.NewRecorder()

	h.GetHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestCommandCRUD(t *testing.T) {
	s := newFakeStore()
	h := newTestHandlers(s)

	createReq := newJSONRequest(t, http.MethodPost, "/router/commands", &models.Command{
		Command: "ping", Prefix: "!", Type: models.CommandTypeWebhook, LocationURL: "https://example.com/ping",
	})
	w := httptest.NewRecorder()
	h.PostCommand(w, createReq)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	getReq := httptest.NewRequest(http.MethodGet, "/router/commands/1", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("commandID", "1")
	getReq = getReq.WithContext(context.WithValue(getReq.Context(), chi.RouteCtxKey, rctx))
	w = httptest.NewRecorder()
	h.GetCommand(w, getReq)
	require.Equal(t, http.StatusOK, w.Code)

	missingReq := httptest.NewRequest(http.MethodGet, "/router/commands/99", nil)
	rctx2 := chi.NewRouteContext()
	rctx2.URLParams.Add("commandID", "99")
	missingReq = missingReq.WithContext(context.WithValue(missingReq.Context(), chi.RouteCtxKey, rctx2))
	w = httptest.NewRecorder()
	h.GetCommand(w, missingReq)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStringRuleCRUD(t *testing.T) {
	s := newFakeStore()
	h := newTestHandlers(s)

	createReq := newJSONRequest(t, http.MethodPost, "/router/string-rules", &models.StringMatchRule{
		Pattern: "badword", MatchType: models.MatchTypeContains, Action: models.MatchActionBlock, IsActive: true,
	})
	w := httptest.NewRecorder()
	h.PostStringRule(w, createReq)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, s.rules, 1)

	deleteReq := httptest.NewRequest(http.MethodDelete, "/router/string-rules/1", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("ruleID", "1")
	deleteReq = deleteReq.WithContext(context.WithValue(deleteReq.Context(), chi.RouteCtxKey, rctx))
	w = httptest.NewRecorder()
	h.DeleteStringRule(w, deleteReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, s.rules, 0)
}

func TestServiceAccountProvisioning(t *testing.T) {
	s := newFakeStore()
	h := newTestHandlers(s)

	createReq := newJSONRequest(t, http.MethodPost, "/admin/service-accounts", &createServiceAccountRequest{
		AccountName: "twitch-collector-1",
		AccountType: models.AccountTypeCollector,
		Platform:    models.PlatformTwitch,
		Permissions: []string{"/router/coordination/*"},
	})
	w := httptest.NewRecorder()
	h.PostServiceAccount(w, createReq)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	plaintext, ok := resp["api_key"].(string)
	require.True(t, ok)
	require.NotEmpty(t, plaintext)

	stored, err := s.GetServiceAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, hashKey(plaintext), stored.APIKeyHash)
	assert.NotEqual(t, plaintext, stored.APIKeyHash)

	revokeReq := httptest.NewRequest(http.MethodPost, "/admin/service-accounts/1/revoke", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("accountID", "1")
	revokeReq = revokeReq.WithContext(context.WithValue(revokeReq.Context(), chi.RouteCtxKey, rctx))
	w = httptest.NewRecorder()
	h.PostServiceAccountRevoke(w, revokeReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.accounts[1].IsActive)
}
