package execengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/waddlebot/router/pkg/models"
)

// LambdaInvoker is the subset of the AWS Lambda SDK's client this backend
// needs, kept narrow so tests can fake it without pulling in aws-sdk-go-v2.
type LambdaInvoker interface {
	Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, int, error)
}

// LambdaConfig is the subset of internal/config.RouterConfig retry settings
// Lambda dispatch needs.
type LambdaConfig struct {
	MaxRetries  int
	RetryDelay  time.Duration
	RetryFactor float64
}

// lambdaBackend invokes an AWS Lambda function, retrying transient
// invocation failures with exponential backoff instead of the original's
// hand-rolled 2**attempt sleep loop.
type lambdaBackend struct {
	invoker LambdaInvoker
	cfg     LambdaConfig
}

// NewLambdaBackend dispatches a command to a Lambda function named by the
// command's ModuleID.
func NewLambdaBackend(invoker LambdaInvoker, cfg LambdaConfig) Backend {
	return &lambdaBackend{invoker: invoker, cfg: cfg}
}

func (b *lambdaBackend) Kind() models.CommandType { return models.CommandTypeLambda }

func (b *lambdaBackend) Execute(ctx context.Context, req DispatchRequest) (*models.ExecutionResult, error) {
	cmd := req.Command
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal lambda payload: %w", err)
	}

	timeout := time.Duration(cmd.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	if b.cfg.RetryDelay > 0 {
		bo.InitialInterval = b.cfg.RetryDelay
	}
	if b.cfg.RetryFactor > 0 {
		bo.Multiplier = b.cfg.RetryFactor
	}
	maxRetries := b.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(maxRetries))
	policy = backoff.WithContext(policy, ctx)

	var respBody []byte
	var statusCode int
	retryCount := 0
	operation := func() error {
		body, status, err := b.invoker.Invoke(ctx, cmd.ModuleID, payload)
		if err != nil {
			retryCount++
			return err
		}
		if status >= 500 {
			retryCount++
			return fmt.Errorf("lambda invocation returned status %d", status)
		}
		respBody, statusCode = body, status
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return &models.ExecutionResult{
			Success:      false,
			StatusCode:   statusCode,
			ErrorMessage: err.Error(),
			RetryCount:   retryCount,
		}, err
	}

	result := &models.ExecutionResult{
		Success:    statusCode < 300,
		StatusCode: statusCode,
		RetryCount: retryCount,
	}
	var parsed map[string]interface{}
	if json.Unmarshal(respBody, &parsed) == nil {
		result.ResponseData = parsed
	}
	return result, nil
}
