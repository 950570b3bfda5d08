package store

import (
	"context"

	"github.com/waddlebot/router/pkg/models"
)

func (p *Postgres) CreateModuleResponse(ctx context.Context, r *models.ModuleResponse) error {
	respData, err := marshalJSON(r.ResponseData)
	if err != nil {
		return wrap("marshal module response data", err)
	}
	formFields, err := marshalJSON(r.FormFields)
	if err != nil {
		return wrap("marshal form fields", err)
	}
	style, err := marshalJSON(r.Style)
	if err != nil {
		return wrap("marshal style", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO module_responses (execution_id, module_name, success, response_action,
			response_data, media_type, media_url, ticker_text, ticker_duration, chat_message,
			form_title, form_description, form_fields, form_submit_url, form_submit_method,
			form_callback_url, content_type, content, duration, style, error_message,
			processing_time_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ExecutionID, r.ModuleName, r.Success, r.ResponseAction, respData, r.MediaType,
		r.MediaURL, r.TickerText, r.TickerDuration, r.ChatMessage, r.FormTitle, r.FormDescription,
		formFields, r.FormSubmitURL, r.FormSubmitMethod, r.FormCallbackURL, r.ContentType,
		r.Content, r.Duration, style, r.ErrorMessage, r.ProcessingTimeMs)
	return wrap("create module response", err)
}

func (p *Postgres) ListModuleResponses(ctx context.Context, executionID string) ([]*models.ModuleResponse, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT execution_id, module_name, success, response_action, response_data, media_type,
			media_url, ticker_text, ticker_duration, chat_message, form_title, form_description,
			form_fields, form_submit_url, form_submit_method, form_callback_url, content_type,
			content, duration, style, error_message, processing_time_ms
		FROM module_responses WHERE execution_id=$1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, wrap("list module responses", err)
	}
	defer rows.Close()

	var out []*models.ModuleResponse
	for rows.Next() {
		var r models.ModuleResponse
		var respData, formFields, style []byte
		if err := rows.Scan(&r.ExecutionID, &r.ModuleName, &r.Success, &r.ResponseAction,
			&respData, &r.MediaType, &r.MediaURL, &r.TickerText, &r.TickerDuration, &r.ChatMessage,
			&r.FormTitle, &r.FormDescription, &formFields, &r.FormSubmitURL, &r.FormSubmitMethod,
			&r.FormCallbackURL, &r.ContentType, &r.Content, &r.Duration, &style, &r.ErrorMessage,
			&r.ProcessingTimeMs); err != nil {
			return nil, wrap("scan module response", err)
		}
		r.ResponseData = unmarshalMap(respData)
		if formFields != nil {
			var fields []map[string]interface{}
			_ = unmarshalInto(formFields, &fields)
			r.FormFields = fields
		}
		r.Style = unmarshalMap(style)
		out = append(out, &r)
	}
	return out, wrap("list module responses", rows.Err())
}
