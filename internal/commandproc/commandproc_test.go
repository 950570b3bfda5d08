package commandproc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/cache"
	"github.com/waddlebot/router/internal/execengine"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/ratelimit"
	"github.com/waddlebot/router/internal/sessions"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/pkg/models"
)

// fakeStore is an in-memory double for the narrow commandproc.Store slice,
// keyed the way the real Postgres-backed store would be.
type fakeStore struct {
	entities     map[string]*models.Entity
	nextEntityID int64

	commands map[string]*models.Command // key: prefix+name

	permissions map[[2]int64]*models.CommandPermission

	executions map[string]*models.CommandExecution

	eventCommands []*models.Command
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:    make(map[string]*models.Entity),
		commands:    make(map[string]*models.Command),
		permissions: make(map[[2]int64]*models.CommandPermission),
		executions:  make(map[string]*models.CommandExecution),
	}
}

func (s *fakeStore) EnsureEntity(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	if existing, ok := s.entities[e.EntityID]; ok {
		return existing, false, nil
	}
	s.nextEntityID++
	e.ID = s.nextEntityID
	s.entities[e.EntityID] = e
	return e, true, nil
}

func (s *fakeStore) EnsureEntityGroupForServer(ctx context.Context, platform models.Platform, serverID, entityID, createdBy string) (*models.EntityGroup, error) {
	return &models.EntityGroup{Name: serverID, Platform: platform, ServerID: serverID, EntityIDs: []string{entityID}, CreatedBy: createdBy}, nil
}

func (s *fakeStore) GetEntityByEntityID(ctx context.Context, entityID string) (*models.Entity, error) {
	if e, ok := s.entities[entityID]; ok {
		return e, nil
	}
	return nil, &apierr.NotFound{Entity: "test", Key: "x"}
}

func (s *fakeStore) GetCommandByPrefixName(ctx context.Context, prefix, name string) (*models.Command, error) {
	if c, ok := s.commands[prefix+name]; ok {
		return c, nil
	}
	return nil, &apierr.NotFound{Entity: "test", Key: "x"}
}

func (s *fakeStore) ListEventTriggeredCommands(ctx context.Context, entityID, messageType string) ([]*models.Command, error) {
	return s.eventCommands, nil
}

func (s *fakeStore) GetPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error) {
	if p, ok := s.permissions[[2]int64{commandID, entityID}]; ok {
		return p, nil
	}
	return nil, &apierr.NotFound{Entity: "test", Key: "x"}
}

func (s *fakeStore) TouchPermissionUsage(ctx context.Context, commandID, entityID int64) error {
	return nil
}

func (s *fakeStore) CreateExecution(ctx context.Context, e *models.CommandExecution) (*models.CommandExecution, error) {
	s.executions[e.ExecutionID] = e
	return e, nil
}

func (s *fakeStore) CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, responseStatus int, responseData map[string]interface{}, execMs int64, errMsg string, retryCount int) error {
	if e, ok := s.executions[executionID]; ok {
		e.Status = status
		e.ResponseStatus = responseStatus
	}
	return nil
}

func newTestProcessor(t *testing.T, store Store, eng *execengine.Engine) *Processor {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessStore := sessions.New(rdb, 30*time.Minute)
	c := cache.New(5*time.Minute, 10*time.Minute)
	limiter := ratelimit.New(60, time.Minute, nil)
	matcher := stringmatch.New(&emptyRuleStore{}, "")
	resolver := rbac.New(&permissiveRBACStore{})
	return New(store, c, limiter, sessStore, matcher, resolver, eng, nil)
}

type emptyRuleStore struct{}

func (e *emptyRuleStore) ListActiveRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error) {
	return nil, nil
}
func (e *emptyRuleStore) RecordMatch(ctx context.Context, id int64) error { return nil }

type permissiveRBACStore struct{}

func (p *permissiveRBACStore) GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error) {
	return nil, &apierr.NotFound{Entity: "test", Key: "x"}
}
func (p *permissiveRBACStore) GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error) {
	return nil, &apierr.NotFound{Entity: "test", Key: "x"}
}
func (p *permissiveRBACStore) FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error) {
	return 0, false, nil
}
func (p *permissiveRBACStore) EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error) {
	return true, nil
}
func (p *permissiveRBACStore) AssignEntityRole(ctx context.Context, r *models.EntityRole) error {
	return nil
}
func (p *permissiveRBACStore) AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error {
	return nil
}

func TestProcess_RejectsMissingFields(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, store, execengine.New())

	_, err := p.Process(context.Background(), &models.InboundEvent{})
	require.Error(t, err)
}

func TestProcess_StringMatchFallthroughWhenNoCommandPrefix(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(t, store, execengine.New())

	result, err := p.Process(context.Background(), &models.InboundEvent{
		Platform:   models.PlatformTwitch,
		ServerID:   "server1",
		UserID:     "u1",
		UserName:   "alice",
		RawMessage: "hello there",
		Metadata:   map[string]interface{}{"message_type": "chatMessage"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Command)
	require.NotEmpty(t, result.SessionID)
}

func TestProcess_DispatchesRegisteredCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.commands["!ping"] = &models.Command{ID: 1, Command: "ping", Prefix: "!", Type: models.CommandTypeContainer, LocationURL: srv.URL, IsActive: true, Timeout: 5}

	p := newTestProcessor(t, store, execengine.New(execengine.NewContainerBackend()))

	// Pre-seed the entity so we can register a permission against its ID.
	entity, _, err := store.EnsureEntity(context.Background(), &models.Entity{EntityID: "twitch+server1", Platform: models.PlatformTwitch, ServerID: "server1"})
	require.NoError(t, err)
	store.permissions[[2]int64{1, entity.ID}] = &models.CommandPermission{CommandID: 1, EntityID: entity.ID, IsEnabled: true}

	result, err := p.Process(context.Background(), &models.InboundEvent{
		Platform:   models.PlatformTwitch,
		ServerID:   "server1",
		UserID:     "u1",
		UserName:   "alice",
		RawMessage: "!ping",
		Metadata:   map[string]interface{}{"message_type": "chatMessage"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "ping", result.Command)
}

func TestProcess_CommandNotEnabledReturnsForbidden(t *testing.T) {
	store := newFakeStore()
	store.commands["!ping"] = &models.Command{ID: 1, Command: "ping", Prefix: "!", Type: models.CommandTypeContainer, IsActive: true}

	p := newTestProcessor(t, store, execengine.New(execengine.NewContainerBackend()))

	result, err := p.Process(context.Background(), &models.InboundEvent{
		Platform:   models.PlatformTwitch,
		ServerID:   "server1",
		UserID:     "u1",
		UserName:   "alice",
		RawMessage: "!ping",
		Metadata:   map[string]interface{}{"message_type": "chatMessage"},
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 403, result.StatusCode)
}
