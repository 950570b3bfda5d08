// Package execengine dispatches a parsed command request to whichever
// backend its Command row names: a long-running container, an AWS Lambda
// function, an OpenWhisk action, or a plain webhook. Each backend kind is a
// Backend implementation registered with an Engine.
package execengine

import (
	"context"
	"fmt"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

// DispatchRequest is the normalized payload every Backend receives,
// independent of the command's configured Type.
type DispatchRequest struct {
	ExecutionID string
	Command     *models.Command
	Request     *models.CommandRequest
	Payload     map[string]interface{}
}

// Backend dispatches a DispatchRequest to one kind of execution target.
type Backend interface {
	Kind() models.CommandType
	Execute(ctx context.Context, req DispatchRequest) (*models.ExecutionResult, error)
}

// Engine dispatches to whichever Backend matches the command's Type.
type Engine struct {
	backends map[models.CommandType]Backend
}

func New(backends ...Backend) *Engine {
	e := &Engine{backends: make(map[models.CommandType]Backend, len(backends))}
	for _, b := range backends {
		e.backends[b.Kind()] = b
	}
	return e
}

// Execute times the dispatch and fills in ExecutionTimeMs regardless of
// which backend ran, so individual Backend implementations don't each have
// to measure it themselves.
func (e *Engine) Execute(ctx context.Context, req DispatchRequest) (*models.ExecutionResult, error) {
	backend, ok := e.backends[req.Command.Type]
	if !ok {
		return nil, fmt.Errorf("no execution backend registered for command type %q", req.Command.Type)
	}

	start := time.Now()
	result, err := backend.Execute(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	if result != nil {
		result.ExecutionTimeMs = elapsed
	}
	if err != nil {
		return &models.ExecutionResult{
			Success:         false,
			ExecutionTimeMs: elapsed,
			ErrorMessage:    err.Error(),
		}, err
	}
	return result, nil
}
