// Package commandproc implements the router's dispatch pipeline: validate an
// inbound event, ensure its entity/membership exist, mint a session, parse
// and dispatch the command (or fall through to string matching), report to
// the reputation service, fan out to event-triggered modules, and reply.
package commandproc

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/cache"
	"github.com/waddlebot/router/internal/execengine"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/ratelimit"
	"github.com/waddlebot/router/internal/sessions"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/internal/workerpool"
	"github.com/waddlebot/router/pkg/models"
)

// validMessageTypes is the closed set of message kinds the router accepts.
var validMessageTypes = map[string]bool{
	"chatMessage": true, "subscription": true, "follow": true, "donation": true,
	"cheer": true, "raid": true, "host": true, "subgift": true, "resub": true,
	"reaction": true, "member_join": true, "member_leave": true, "voice_join": true,
	"voice_leave": true, "voice_time": true, "boost": true, "ban": true, "kick": true,
	"timeout": true, "warn": true, "file_share": true, "app_mention": true, "channel_join": true,
}

// Store is the persistence dependency this package needs, a narrow slice of
// the full store.Store interface.
type Store interface {
	EnsureEntity(ctx context.Context, e *models.Entity) (*models.Entity, bool, error)
	EnsureEntityGroupForServer(ctx context.Context, platform models.Platform, serverID, entityID, createdBy string) (*models.EntityGroup, error)
	GetEntityByEntityID(ctx context.Context, entityID string) (*models.Entity, error)

	GetCommandByPrefixName(ctx context.Context, prefix, name string) (*models.Command, error)
	ListEventTriggeredCommands(ctx context.Context, entityID, messageType string) ([]*models.Command, error)

	GetPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error)
	TouchPermissionUsage(ctx context.Context, commandID, entityID int64) error

	CreateExecution(ctx context.Context, e *models.CommandExecution) (*models.CommandExecution, error)
	CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, responseStatus int, responseData map[string]interface{}, execMs int64, errMsg string, retryCount int) error
}

// ReputationClient posts mapped events to the external reputation service.
// Failures are logged and never fail the pipeline.
type ReputationClient interface {
	Report(ctx context.Context, event ReputationEvent) error
}

const eventModulePoolSize = 5

// Processor wires together every CommandProc dependency.
type Processor struct {
	store      Store
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	sessions   *sessions.Store
	matcher    *stringmatch.Matcher
	rbac       *rbac.Resolver
	engine     *execengine.Engine
	reputation ReputationClient
}

func New(store Store, c *cache.Cache, limiter *ratelimit.Limiter, sess *sessions.Store, matcher *stringmatch.Matcher, rbacResolver *rbac.Resolver, engine *execengine.Engine, reputation ReputationClient) *Processor {
	return &Processor{
		store:      store,
		cache:      c,
		limiter:    limiter,
		sessions:   sess,
		matcher:    matcher,
		rbac:       rbacResolver,
		engine:     engine,
		reputation: reputation,
	}
}

// Result is the JSON envelope CommandProc returns for one processed event.
type Result struct {
	Success               bool                     `json:"success"`
	SessionID             string                   `json:"session_id"`
	Command               string                   `json:"command,omitempty"`
	StatusCode            int                       `json:"status_code"`
	ExecutionTimeMs        int64                    `json:"execution_time_ms"`
	Response               map[string]interface{}   `json:"response,omitempty"`
	Processed              bool                     `json:"processed"`
	ReputationProcessed    bool                     `json:"reputation_processed"`
	EventModulesExecuted   int                      `json:"event_modules_executed"`
	ModuleResults          []*models.ExecutionResult `json:"module_results,omitempty"`
	ErrorMessage           string                   `json:"error,omitempty"`
}

// Process runs the full 9-step pipeline for one inbound event.
func (p *Processor) Process(ctx context.Context, ev *models.InboundEvent) (*Result, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}

	entityID, entity, err := p.ensureEntity(ctx, ev)
	if err != nil {
		return nil, err
	}

	if _, err := p.rbac.EnsureGlobalMembership(ctx, ev.UserID); err != nil {
		log.Warn().Err(err).Str("user_id", ev.UserID).Msg("failed to ensure global membership")
	}

	sessionID, err := p.sessions.Create(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	result := &Result{SessionID: sessionID, Processed: true}

	req := parseCommand(ev, entityID)
	if req != nil {
		cmdResult, err := p.dispatchCommand(ctx, req, entity, sessionID)
		if err != nil {
			if isClientError(err) {
				result.Success = false
				result.ErrorMessage = err.Error()
				result.StatusCode = statusCodeFor(err)
				return result, nil
			}
			return nil, err
		}
		result.Success = cmdResult.Success
		result.Command = req.Command
		result.StatusCode = cmdResult.StatusCode
		result.ExecutionTimeMs = cmdResult.ExecutionTimeMs
		result.Response = cmdResult.ResponseData
	} else {
		matched, err := p.runStringMatch(ctx, entityID, ev.UserID, ev.RawMessage)
		if err != nil {
			log.Warn().Err(err).Msg("string match evaluation failed")
		}
		if matched != nil {
			result.Success = true
			result.Response = matched
		} else {
			result.Success = true
		}
	}

	if p.reputation != nil {
		if repEvent, ok := mapReputationEvent(ev); ok {
			if err := p.reputation.Report(ctx, repEvent); err != nil {
				log.Warn().Err(err).Msg("reputation report failed")
			} else {
				result.ReputationProcessed = true
			}
		}
	}

	moduleResults, err := p.runEventTriggeredModules(ctx, ev, entityID, sessionID)
	if err != nil {
		log.Warn().Err(err).Msg("event-triggered module fan-out failed")
	}
	result.ModuleResults = moduleResults
	result.EventModulesExecuted = len(moduleResults)

	return result, nil
}

func validate(ev *models.InboundEvent) error {
	if ev.Platform == "" || ev.ServerID == "" || ev.UserID == "" || ev.UserName == "" {
		return &apierr.Conflict{Entity: "inbound_event", Reason: "missing required field"}
	}
	msgType, _ := ev.Metadata["message_type"].(string)
	if msgType == "" {
		return &apierr.Conflict{Entity: "inbound_event", Reason: "missing message_type"}
	}
	if !validMessageTypes[msgType] {
		return &apierr.Conflict{Entity: "inbound_event", Reason: "unrecognized message_type: " + msgType}
	}
	return nil
}

// ensureEntity computes the canonical entity_id and inserts it on first
// sight, auto-creating a server-wide EntityGroup for channel-less Discord/Slack entities.
func (p *Processor) ensureEntity(ctx context.Context, ev *models.InboundEvent) (string, *models.Entity, error) {
	entityID := entityIDFor(ev.Platform, ev.ServerID, ev.ChannelID)

	entity, created, err := p.store.EnsureEntity(ctx, &models.Entity{
		EntityID: entityID,
		Platform: ev.Platform,
		ServerID: ev.ServerID,
		ChannelID: ev.ChannelID,
		Owner:    ev.UserID,
		IsActive: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("ensure entity: %w", err)
	}

	if created && ev.ChannelID == "" && ev.Platform != models.PlatformTwitch {
		if _, err := p.store.EnsureEntityGroupForServer(ctx, ev.Platform, ev.ServerID, entityID, ev.UserID); err != nil {
			log.Warn().Err(err).Str("entity_id", entityID).Msg("failed to create server-wide entity group")
		}
	}
	return entityID, entity, nil
}

// entityIDFor matches generate_entity_id's current platform+server[+channel]
// format ("+" not ":" — the colon form is the superseded legacy format).
func entityIDFor(platform models.Platform, serverID, channelID string) string {
	if channelID == "" || platform == models.PlatformTwitch {
		return string(platform) + "+" + serverID
	}
	return string(platform) + "+" + serverID + "+" + channelID
}

// parseCommand splits raw_message into command+parameters if it is a
// chatMessage beginning with '!' or '#' followed by a non-empty token.
func parseCommand(ev *models.InboundEvent, entityID string) *models.CommandRequest {
	msgType, _ := ev.Metadata["message_type"].(string)
	if msgType != "chatMessage" || len(ev.RawMessage) < 2 {
		return nil
	}
	prefix := ev.RawMessage[0:1]
	if prefix != "!" && prefix != "#" {
		return nil
	}
	rest := strings.TrimSpace(ev.RawMessage[1:])
	if rest == "" {
		return nil
	}
	fields := strings.Fields(rest)
	return &models.CommandRequest{
		MessageID:  ev.MessageID,
		EntityID:   entityID,
		UserID:     ev.UserID,
		UserName:   ev.UserName,
		Command:    strings.ToLower(fields[0]),
		Parameters: fields[1:],
		RawMessage: ev.RawMessage,
		Platform:   ev.Platform,
		ServerID:   ev.ServerID,
		ChannelID:  ev.ChannelID,
		Timestamp:  ev.Timestamp,
	}
}

func isClientError(err error) bool {
	switch err.(type) {
	case *apierr.NotFound, *apierr.Forbidden, *apierr.RateLimited, *apierr.Conflict:
		return true
	}
	return false
}

func statusCodeFor(err error) int {
	switch err.(type) {
	case *apierr.NotFound:
		return 404
	case *apierr.Forbidden:
		return 403
	case *apierr.RateLimited:
		return 429
	case *apierr.Conflict:
		return 409
	default:
		return 500
	}
}

// runEventTriggeredModules dispatches active event/both-triggered commands
// for messageType, running sequential ones in priority order in the calling
// goroutine and fanning parallel ones out to a bounded pool.
func (p *Processor) runEventTriggeredModules(ctx context.Context, ev *models.InboundEvent, entityID, sessionID string) ([]*models.ExecutionResult, error) {
	msgType, _ := ev.Metadata["message_type"].(string)
	commands, err := p.store.ListEventTriggeredCommands(ctx, entityID, msgType)
	if err != nil {
		return nil, fmt.Errorf("list event triggered commands: %w", err)
	}
	if len(commands) == 0 {
		return nil, nil
	}

	var sequential, parallel []*models.Command
	for _, c := range commands {
		if c.ExecutionMode == models.ExecutionModeAsync {
			parallel = append(parallel, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	var results []*models.ExecutionResult
	for _, c := range sequential {
		results = append(results, p.executeEventModule(ctx, c, ev, entityID, sessionID))
	}

	if len(parallel) > 0 {
		parResults := make([]*models.ExecutionResult, len(parallel))
		workerpool.Run(eventModulePoolSize, indexModules(parallel), func(im indexedCommand) error {
			parResults[im.index] = p.executeEventModule(ctx, im.command, ev, entityID, sessionID)
			return nil
		})
		results = append(results, parResults...)
	}
	return results, nil
}

type indexedCommand struct {
	index   int
	command *models.Command
}

func indexModules(cmds []*models.Command) []indexedCommand {
	out := make([]indexedCommand, len(cmds))
	for i, c := range cmds {
		out[i] = indexedCommand{index: i, command: c}
	}
	return out
}

func (p *Processor) executeEventModule(ctx context.Context, c *models.Command, ev *models.InboundEvent, entityID, sessionID string) *models.ExecutionResult {
	executionID := uuid.New().String()
	payload := buildPayload(c, &models.CommandRequest{
		EntityID:   entityID,
		UserID:     ev.UserID,
		UserName:   ev.UserName,
		RawMessage: ev.RawMessage,
		Platform:   ev.Platform,
		ServerID:   ev.ServerID,
		ChannelID:  ev.ChannelID,
		Timestamp:  ev.Timestamp,
	}, ev.MessageID)

	result, err := p.engine.Execute(ctx, execengine.DispatchRequest{ExecutionID: executionID, Command: c, Payload: payload})
	if err != nil {
		log.Warn().Err(err).Str("command", c.Command).Msg("event-triggered module execution failed")
	}
	return result
}

// buildPayload constructs the stable envelope ExecutionEngine's backends
// receive, independent of which backend kind handles the command.
func buildPayload(c *models.Command, req *models.CommandRequest, messageID string) map[string]interface{} {
	return map[string]interface{}{
		"command":    c.Command,
		"parameters": req.Parameters,
		"user": map[string]interface{}{
			"id":   req.UserID,
			"name": req.UserName,
		},
		"context": map[string]interface{}{
			"platform":   req.Platform,
			"server_id":  req.ServerID,
			"channel_id": req.ChannelID,
			"entity_id":  req.EntityID,
			"message_id": messageID,
			"timestamp":  req.Timestamp,
		},
		"raw_message": req.RawMessage,
	}
}
