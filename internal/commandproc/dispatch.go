package commandproc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/execengine"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/pkg/models"
)

func commandCacheKey(prefix, name string) string {
	return "command:" + prefix + ":" + name
}

func permissionCacheKey(commandID, entityID int64) string {
	return fmt.Sprintf("permission:%d:%d", commandID, entityID)
}

// dispatchCommand resolves a parsed CommandRequest to its registered Command,
// checks permission/role/rate-limit, dispatches through ExecutionEngine, and
// records the execution.
func (p *Processor) dispatchCommand(ctx context.Context, req *models.CommandRequest, entity *models.Entity, sessionID string) (*models.CommandResult, error) {
	cmd, err := p.lookupCommand(ctx, req.Command)
	if err != nil {
		return nil, err
	}
	if !cmd.IsActive {
		return nil, &apierr.NotFound{Entity: "command", Key: req.Command}
	}

	perm, err := p.lookupPermission(ctx, cmd.ID, entity.ID)
	if err != nil {
		return nil, err
	}
	if perm == nil || !perm.IsEnabled {
		return nil, &apierr.Forbidden{Reason: "command not enabled for this entity"}
	}

	if cmd.AuthRequired {
		resolution, err := p.rbac.ResolveRole(ctx, req.EntityID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve role: %w", err)
		}
		if !rbac.HasRoleLevel(resolution.Role, models.RoleModerator) {
			return nil, &apierr.Forbidden{Reason: "insufficient role for command"}
		}
	}

	if cmd.RateLimit > 0 && !p.limiter.Allow(ctx, cmd.ID, req.EntityID, req.UserID, cmd.RateLimit) {
		return nil, &apierr.RateLimited{Key: fmt.Sprintf("command:%d:%s", cmd.ID, req.EntityID), RetryAfter: 60}
	}

	executionID := uuid.New().String()
	payload := buildPayload(cmd, req, req.MessageID)

	execRecord := &models.CommandExecution{
		ExecutionID:    executionID,
		CommandID:      cmd.ID,
		EntityID:       entity.ID,
		UserID:         req.UserID,
		UserName:       req.UserName,
		MessageContent: req.RawMessage,
		Parameters:     req.Parameters,
		LocationURL:    cmd.LocationURL,
		RequestPayload: payload,
		Status:         models.ExecutionStatusPending,
	}
	if _, err := p.store.CreateExecution(ctx, execRecord); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to record execution start")
	}

	started := time.Now()
	result, execErr := p.engine.Execute(ctx, execengine.DispatchRequest{
		ExecutionID: executionID,
		Command:     cmd,
		Request:     req,
		Payload:     payload,
	})
	if result == nil {
		result = &models.ExecutionResult{Success: false, ErrorMessage: execErr.Error()}
	}
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(started).Milliseconds()
	}

	status := models.ExecutionStatusSuccess
	if !result.Success {
		status = models.ExecutionStatusFailed
	}
	if err := p.store.CompleteExecution(ctx, executionID, status, result.StatusCode, result.ResponseData, result.ExecutionTimeMs, result.ErrorMessage, result.RetryCount); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to record execution completion")
	}

	if err := p.store.TouchPermissionUsage(ctx, cmd.ID, entity.ID); err != nil {
		log.Warn().Err(err).Msg("failed to touch permission usage")
	}

	return &models.CommandResult{
		Success:         result.Success,
		ResponseData:    result.ResponseData,
		ExecutionTimeMs: result.ExecutionTimeMs,
		StatusCode:      result.StatusCode,
		ErrorMessage:    result.ErrorMessage,
		RetryCount:      result.RetryCount,
	}, nil
}

func (p *Processor) lookupCommand(ctx context.Context, command string) (*models.Command, error) {
	for _, prefix := range []string{"!", "#"} {
		key := commandCacheKey(prefix, command)
		if cached, ok := p.cache.Get(key); ok {
			if cmd, ok := cached.(*models.Command); ok {
				return cmd, nil
			}
		}
	}

	var lastErr error
	for _, prefix := range []string{"!", "#"} {
		cmd, err := p.store.GetCommandByPrefixName(ctx, prefix, command)
		if err != nil {
			lastErr = err
			continue
		}
		p.cache.Set(commandCacheKey(prefix, command), cmd, 5*time.Minute)
		return cmd, nil
	}
	if lastErr == nil {
		lastErr = &apierr.NotFound{Entity: "command", Key: command}
	}
	return nil, lastErr
}

func (p *Processor) lookupPermission(ctx context.Context, commandID, entityID int64) (*models.CommandPermission, error) {
	key := permissionCacheKey(commandID, entityID)
	if cached, ok := p.cache.Get(key); ok {
		if perm, ok := cached.(*models.CommandPermission); ok {
			return perm, nil
		}
		return nil, nil
	}

	perm, err := p.store.GetPermission(ctx, commandID, entityID)
	if err != nil {
		if isNotFound(err) {
			p.cache.Set(key, nil, time.Minute)
			return nil, nil
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	p.cache.Set(key, perm, 5*time.Minute)
	return perm, nil
}

// InvalidatePermission drops a cached permission lookup, called after any
// admin toggle of a command's per-entity enablement.
func (p *Processor) InvalidatePermission(commandID, entityID int64) {
	p.cache.Delete(permissionCacheKey(commandID, entityID))
}

// InvalidateCommand drops a cached command lookup after an admin edit.
func (p *Processor) InvalidateCommand(prefix, name string) {
	p.cache.Delete(commandCacheKey(prefix, name))
}

func isNotFound(err error) bool {
	_, ok := err.(*apierr.NotFound)
	return ok
}

// runStringMatch evaluates message against active rules for entityID,
// carrying out the rule's configured action: warn/block return their
// configured message, command recurses into dispatchCommand, webhook
// dispatches asynchronously.
func (p *Processor) runStringMatch(ctx context.Context, entityID, userID, message string) (map[string]interface{}, error) {
	rule, err := p.matcher.Evaluate(ctx, entityID, message)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, nil
	}
	if err := p.matcher.RecordMatch(ctx, rule.ID); err != nil {
		log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("failed to record string match")
	}

	switch rule.Action {
	case models.MatchActionWarn:
		return map[string]interface{}{"action": "warn", "message": rule.WarningMessage}, nil
	case models.MatchActionBlock:
		return map[string]interface{}{"action": "block", "message": rule.BlockMessage}, nil
	case models.MatchActionCommand:
		syntheticReq := &models.CommandRequest{
			EntityID:   entityID,
			UserID:     userID,
			Command:    rule.CommandToExecute,
			Parameters: rule.CommandParameters,
			RawMessage: message,
		}
		entity, err := p.store.GetEntityByEntityID(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("load entity for rule-triggered command: %w", err)
		}
		cmdResult, err := p.dispatchCommand(ctx, syntheticReq, entity, "")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "command", "command": rule.CommandToExecute, "result": cmdResult.ResponseData}, nil
	case models.MatchActionWebhook:
		payload := stringmatch.WebhookPayload{
			EntityID: entityID,
			UserID:   userID,
			Message:  message,
			RuleID:   rule.ID,
			Pattern:  rule.Pattern,
		}
		go func() {
			bgCtx := context.Background()
			if err := p.matcher.DispatchWebhook(bgCtx, rule.WebhookURL, payload); err != nil {
				log.Warn().Err(err).Str("webhook_url", rule.WebhookURL).Msg("string match webhook dispatch failed")
			}
		}()
		return map[string]interface{}{"action": "webhook"}, nil
	default:
		return map[string]interface{}{"action": string(rule.Action)}, nil
	}
}
