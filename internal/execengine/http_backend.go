package execengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

// httpBackend is the shared single-attempt HTTP dispatch used by the
// container and webhook backend kinds: POST the payload to the command's
// location_url with its configured method/headers/timeout; a JSON-object body
// becomes the result's ResponseData as a whole (any other body leaves it nil).
type httpBackend struct {
	kind   models.CommandType
	client *http.Client
}

func newHTTPBackend(kind models.CommandType) *httpBackend {
	return &httpBackend{kind: kind, client: &http.Client{}}
}

func (b *httpBackend) Kind() models.CommandType { return b.kind }

func (b *httpBackend) Execute(ctx context.Context, req DispatchRequest) (*models.ExecutionResult, error) {
	cmd := req.Command
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	timeout := time.Duration(cmd.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cmd.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, cmd.LocationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-WaddleBot-Execution-ID", req.ExecutionID)
	for k, v := range cmd.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read dispatch response: %w", err)
	}

	result := &models.ExecutionResult{
		Success:    resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
	var parsed map[string]interface{}
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		result.ResponseData = parsed
	}
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("backend returned status %d", resp.StatusCode)
	}
	return result, nil
}

// NewContainerBackend dispatches to a long-running module container's HTTP endpoint.
func NewContainerBackend() Backend { return newHTTPBackend(models.CommandTypeContainer) }

// NewWebhookBackend dispatches a plain webhook POST, same shape as the container backend.
func NewWebhookBackend() Backend { return newHTTPBackend(models.CommandTypeWebhook) }
