package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waddlebot/router/pkg/models"
)

type fakeSAStore struct {
	byHash map[string]*models.ServiceAccount
	usage  []models.APIUsage
}

func (f *fakeSAStore) GetServiceAccountByHash(ctx context.Context, hash string) (*models.ServiceAccount, error) {
	if a, ok := f.byHash[hash]; ok {
		return a, nil
	}
	return nil, assertErr{}
}
func (f *fakeSAStore) TouchServiceAccountUsage(ctx context.Context, id int64) error { return nil }
func (f *fakeSAStore) RecordAPIUsage(ctx context.Context, u *models.APIUsage) error {
	f.usage = append(f.usage, *u)
	return nil
}
func (f *fakeSAStore) CountUsageSince(ctx context.Context, serviceAccountID int64, since time.Time) (int, error) {
	return 0, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "not found" }

func TestCheckPermission(t *testing.T) {
	assert.True(t, checkPermission([]string{"GET /router/commands"}, "GET", "/router/commands"))
	assert.False(t, checkPermission([]string{"GET /router/commands"}, "POST", "/router/commands"))
	assert.True(t, checkPermission([]string{"/router/events/*"}, "POST", "/router/events/batch"))
	assert.True(t, checkPermission([]string{"*"}, "DELETE", "/anything"))
	assert.False(t, checkPermission([]string{"/router/commands"}, "GET", "/router/other"))
}

func TestServiceAccountAuth_RejectsMissingKey(t *testing.T) {
	store := &fakeSAStore{byHash: map[string]*models.ServiceAccount{}}
	mw := NewServiceAccountAuth(store)

	req := httptest.NewRequest(http.MethodGet, "/router/commands", nil)
	w := httptest.NewRecorder()
	mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServiceAccountAuth_AllowsValidKey(t *testing.T) {
	hash := hashAPIKey("secret-key")
	store := &fakeSAStore{byHash: map[string]*models.ServiceAccount{
		hash: {ID: 1, IsActive: true, AccountType: models.AccountTypeCollector, Permissions: []string{"/router/events/*"}},
	}}
	mw := NewServiceAccountAuth(store, models.AccountTypeCollector)

	req := httptest.NewRequest(http.MethodPost, "/router/events/batch", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()

	called := false
	mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		acct, ok := ServiceAccountFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, int64(1), acct.ID)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, w.Code)
}
