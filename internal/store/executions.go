package store

import (
	"context"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/pkg/models"
)

func (p *Postgres) CreateExecution(ctx context.Context, e *models.CommandExecution) (*models.CommandExecution, error) {
	params, err := marshalJSON(e.Parameters)
	if err != nil {
		return nil, wrap("marshal execution parameters", err)
	}
	payload, err := marshalJSON(e.RequestPayload)
	if err != nil {
		return nil, wrap("marshal execution payload", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO command_executions (execution_id, command_id, entity_id, user_id, user_name,
			message_content, parameters, location_url, request_payload, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at`,
		e.ExecutionID, e.CommandID, e.EntityID, e.UserID, e.UserName, e.MessageContent, params,
		e.LocationURL, payload, e.Status)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return nil, wrap("create execution", err)
	}
	return e, nil
}

func (p *Postgres) CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, responseStatus int, responseData map[string]interface{}, execMs int64, errMsg string, retryCount int) error {
	respData, err := marshalJSON(responseData)
	if err != nil {
		return wrap("marshal response data", err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE command_executions SET status=$2, response_status=$3, response_data=$4,
			execution_time_ms=$5, error_message=$6, retry_count=$7, completed_at=now()
		WHERE execution_id=$1`, executionID, status, responseStatus, respData, execMs, errMsg, retryCount)
	return wrap("complete execution", err)
}

func (p *Postgres) GetExecutionByExecutionID(ctx context.Context, executionID string) (*models.CommandExecution, error) {
	row := p.readPool.QueryRow(ctx, `
		SELECT id, execution_id, command_id, entity_id, user_id, user_name, message_content,
			parameters, location_url, request_payload, response_status, response_data,
			execution_time_ms, error_message, retry_count, status, created_at, completed_at
		FROM command_executions WHERE execution_id=$1`, executionID)

	var e models.CommandExecution
	var params, payload, respData []byte
	err := row.Scan(&e.ID, &e.ExecutionID, &e.CommandID, &e.EntityID, &e.UserID, &e.UserName,
		&e.MessageContent, &params, &e.LocationURL, &payload, &e.ResponseStatus, &respData,
		&e.ExecutionTimeMs, &e.ErrorMessage, &e.RetryCount, &e.Status, &e.CreatedAt, &e.CompletedAt)
	if isNoRows(err) {
		return nil, &apierr.NotFound{Entity: "command_execution", Key: executionID}
	}
	if err != nil {
		return nil, wrap("get execution", err)
	}
	e.Parameters = unmarshalStrings(params)
	e.RequestPayload = unmarshalMap(payload)
	e.ResponseData = unmarshalMap(respData)
	return &e, nil
}
