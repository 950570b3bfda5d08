package execengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

// OpenWhiskConfig is the subset of internal/config.BackendConfig OpenWhisk
// dispatch needs.
type OpenWhiskConfig struct {
	APIHost   string
	AuthKey   string
	Namespace string
}

// openWhiskBackend invokes an OpenWhisk action blocking/synchronously via
// its REST API, authenticating with the namespace's auth key over basic auth.
type openWhiskBackend struct {
	cfg    OpenWhiskConfig
	client *http.Client
}

// NewOpenWhiskBackend dispatches a command to an OpenWhisk action named by
// the command's ModuleID, in the configured namespace.
func NewOpenWhiskBackend(cfg OpenWhiskConfig) Backend {
	return &openWhiskBackend{
		cfg:    cfg,
		client: &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{}}},
	}
}

func (b *openWhiskBackend) Kind() models.CommandType { return models.CommandTypeOpenWhisk }

func (b *openWhiskBackend) Execute(ctx context.Context, req DispatchRequest) (*models.ExecutionResult, error) {
	cmd := req.Command
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal openwhisk payload: %w", err)
	}

	timeout := time.Duration(cmd.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s?blocking=true&result=true",
		b.cfg.APIHost, b.cfg.Namespace, cmd.ModuleID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build openwhisk request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(authUser(b.cfg.AuthKey), authPass(b.cfg.AuthKey))

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke openwhisk action: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openwhisk response: %w", err)
	}

	result := &models.ExecutionResult{Success: resp.StatusCode < 300, StatusCode: resp.StatusCode}
	var parsed map[string]interface{}
	if json.Unmarshal(respBody, &parsed) == nil {
		result.ResponseData = parsed
	}
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("openwhisk action returned status %d", resp.StatusCode)
	}
	return result, nil
}

// authUser/authPass split an OpenWhisk "uuid:key" auth key for basic auth,
// matching the convention the OpenWhisk CLI/SDK uses.
func authUser(authKey string) string {
	for i := 0; i < len(authKey); i++ {
		if authKey[i] == ':' {
			return authKey[:i]
		}
	}
	return authKey
}

func authPass(authKey string) string {
	for i := 0; i < len(authKey); i++ {
		if authKey[i] == ':' {
			return authKey[i+1:]
		}
	}
	return ""
}
