// Package store defines the relational persistence boundary for the router:
// commands, entities, permissions, executions, string-match rules,
// coordination leases, communities/RBAC, and service accounts. The
// interface shape (small per-domain sub-interfaces composed into one Store,
// plus a sentinel NotFound error) follows the teacher's internal/store/store.go.
package store

import (
	"context"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

// ListFilter bounds list queries.
type ListFilter struct {
	Limit  int
	Offset int
}

type CommandStore interface {
	GetCommandByPrefixName(ctx context.Context, prefix, name string) (*models.Command, error)
	GetCommand(ctx context.Context, id int64) (*models.Command, error)
	ListCommands(ctx context.Context, f ListFilter) ([]*models.Command, error)
	ListEventTriggeredCommands(ctx context.Context, entityID string, messageType string) ([]*models.Command, error)
	CreateCommand(ctx context.Context, c *models.Command) (*models.Command, error)
	UpdateCommand(ctx context.Context, c *models.Command) error
	SetCommandActive(ctx context.Context, id int64, active bool) error
}

type EntityStore interface {
	GetEntityByEntityID(ctx context.Context, entityID string) (*models.Entity, error)
	GetEntity(ctx context.Context, id int64) (*models.Entity, error)
	EnsureEntity(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) // bool = created
	ListEntities(ctx context.Context, f ListFilter) ([]*models.Entity, error)

	EnsureEntityGroupForServer(ctx context.Context, platform models.Platform, serverID, entityID, createdBy string) (*models.EntityGroup, error)
}

type CommandPermissionStore interface {
	GetPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error)
	UpsertPermission(ctx context.Context, p *models.CommandPermission) (*models.CommandPermission, error)
	TouchPermissionUsage(ctx context.Context, commandID, entityID int64) error
}

type CommandExecutionStore interface {
	CreateExecution(ctx context.Context, e *models.CommandExecution) (*models.CommandExecution, error)
	CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, responseStatus int, responseData map[string]interface{}, execMs int64, errMsg string, retryCount int) error
	GetExecutionByExecutionID(ctx context.Context, executionID string) (*models.CommandExecution, error)
}

type ModuleResponseStore interface {
	CreateModuleResponse(ctx context.Context, r *models.ModuleResponse) error
	ListModuleResponses(ctx context.Context, executionID string) ([]*models.ModuleResponse, error)
}

type RateLimitStore interface {
	RecordRateLimitHit(ctx context.Context, commandID int64, entityID string, userID string, windowStart time.Time) error
}

type StringMatchStore interface {
	ListActiveRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error)
	ListAllRules(ctx context.Context) ([]*models.StringMatchRule, error)
	GetRule(ctx context.Context, id int64) (*models.StringMatchRule, error)
	CreateRule(ctx context.Context, r *models.StringMatchRule) (*models.StringMatchRule, error)
	UpdateRule(ctx context.Context, r *models.StringMatchRule) error
	DeleteRule(ctx context.Context, id int64) error
	RecordMatch(ctx context.Context, id int64) error
}

type CoordinationStore interface {
	Populate(ctx context.Context, platform models.Platform) (int, error)
	ClaimCandidates(ctx context.Context, platform models.Platform, checkinTimeout time.Duration, limit int) ([]*models.Coordination, error)
	TryClaim(ctx context.Context, id int64, containerID string, claimExpires time.Time, checkinTimeout time.Duration) (bool, error)
	Release(ctx context.Context, containerID string, entityIDs []string) (int, error)
	Checkin(ctx context.Context, containerID string, claimExpires time.Time) (int, error)
	ListClaimedBy(ctx context.Context, containerID string) ([]*models.Coordination, error)
	UpdateStatus(ctx context.Context, containerID, entityID string, isLive *bool, viewerCount *int, metadata map[string]interface{}, hasActivity bool) error
	ReportError(ctx context.Context, containerID, entityID string) (int, error)
	ReleaseOfflineEntities(ctx context.Context, containerID string) ([]string, error)
	CleanupExpiredClaims(ctx context.Context, checkinTimeout time.Duration) (int, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	ListCoordinationEntities(ctx context.Context, f ListFilter) ([]*models.Coordination, error)

	ListServers(ctx context.Context, platform models.Platform) ([]*models.Server, error)
}

type CommunityStore interface {
	EnsureGlobalCommunity(ctx context.Context) error
	GetCommunity(ctx context.Context, id int64) (*models.Community, error)

	GetMembership(ctx context.Context, communityID int64, userID string) (*models.CommunityMembership, error)
	EnsureMembership(ctx context.Context, communityID int64, userID string) (bool, error) // bool = created

	GetCommunityRole(ctx context.Context, communityID int64, userID string) (*models.CommunityRBAC, error)
	AssignCommunityRole(ctx context.Context, r *models.CommunityRBAC) error

	GetEntityRole(ctx context.Context, entityID, userID string) (*models.EntityRole, error)
	AssignEntityRole(ctx context.Context, r *models.EntityRole) error

	FindCommunityForEntityGroup(ctx context.Context, entityID string) (int64, bool, error)
}

type ServiceAccountStore interface {
	GetServiceAccountByHash(ctx context.Context, hash string) (*models.ServiceAccount, error)
	GetServiceAccount(ctx context.Context, id int64) (*models.ServiceAccount, error)
	CreateServiceAccount(ctx context.Context, a *models.ServiceAccount) (*models.ServiceAccount, error)
	RevokeServiceAccount(ctx context.Context, id int64) error
	RegenerateServiceAccountKey(ctx context.Context, id int64, newHash string) error
	TouchServiceAccountUsage(ctx context.Context, id int64) error

	RecordAPIUsage(ctx context.Context, u *models.APIUsage) error
	CountUsageSince(ctx context.Context, serviceAccountID int64, since time.Time) (int, error)
}

// Store composes every sub-interface the router's components depend on.
type Store interface {
	CommandStore
	EntityStore
	CommandPermissionStore
	CommandExecutionStore
	ModuleResponseStore
	RateLimitStore
	StringMatchStore
	CoordinationStore
	CommunityStore
	ServiceAccountStore

	Ping(ctx context.Context) error
	Close()
}
