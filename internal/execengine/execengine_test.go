package execengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddlebot/router/pkg/models"
)

func TestEngine_DispatchesToRegisteredBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "exec-123", r.Header.Get("X-WaddleBot-Execution-ID"))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(models.ModuleResponse{
			Success:        true,
			ResponseAction: models.ResponseActionChat,
			ResponseData:   map[string]interface{}{"ok": true},
		})
	}))
	defer srv.Close()

	engine := New(NewContainerBackend())
	cmd := &models.Command{Type: models.CommandTypeContainer, LocationURL: srv.URL, Timeout: 5}

	result, err := engine.Execute(context.Background(), DispatchRequest{
		ExecutionID: "exec-123",
		Command:     cmd,
		Payload:     map[string]interface{}{"user_id": "u1"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestEngine_BareJSONBodyBecomesResponseData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	engine := New(NewContainerBackend())
	cmd := &models.Command{Type: models.CommandTypeContainer, LocationURL: srv.URL, Timeout: 5}

	result, err := engine.Execute(context.Background(), DispatchRequest{Command: cmd})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.ResponseData)
	assert.Equal(t, "ok", result.ResponseData["text"])
}

func TestEngine_UnregisteredBackendErrors(t *testing.T) {
	engine := New(NewContainerBackend())
	cmd := &models.Command{Type: models.CommandTypeLambda}

	_, err := engine.Execute(context.Background(), DispatchRequest{Command: cmd})
	assert.Error(t, err)
}

func TestEngine_NonSuccessStatusIsNotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := New(NewWebhookBackend())
	cmd := &models.Command{Type: models.CommandTypeWebhook, LocationURL: srv.URL, Timeout: 5}

	result, err := engine.Execute(context.Background(), DispatchRequest{Command: cmd})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
}

type fakeLambdaInvoker struct {
	attempts int
	failN    int
}

func (f *fakeLambdaInvoker) Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, int, error) {
	f.attempts++
	if f.attempts <= f.failN {
		return nil, 500, nil
	}
	return []byte(`{"ok":true}`), 200, nil
}

func TestLambdaBackend_RetriesOnFailure(t *testing.T) {
	invoker := &fakeLambdaInvoker{failN: 2}
	backend := NewLambdaBackend(invoker, LambdaConfig{MaxRetries: 5, RetryDelay: time.Millisecond})
	engine := New(backend)
	cmd := &models.Command{Type: models.CommandTypeLambda, ModuleID: "fn-1", Timeout: 5}

	result, err := engine.Execute(context.Background(), DispatchRequest{Command: cmd})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, invoker.attempts)
}

func TestLambdaBackend_GivesUpAfterMaxRetries(t *testing.T) {
	invoker := &fakeLambdaInvoker{failN: 100}
	backend := NewLambdaBackend(invoker, LambdaConfig{MaxRetries: 2, RetryDelay: time.Millisecond})
	engine := New(backend)
	cmd := &models.Command{Type: models.CommandTypeLambda, ModuleID: "fn-1", Timeout: 5}

	result, err := engine.Execute(context.Background(), DispatchRequest{Command: cmd})
	assert.Error(t, err)
	assert.False(t, result.Success)
}
