package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

type contextKey string

const serviceAccountKey contextKey = "service_account"

// ServiceAccountStore is the persistence dependency ServiceAccountAuth needs.
type ServiceAccountStore interface {
	GetServiceAccountByHash(ctx context.Context, hash string) (*models.ServiceAccount, error)
	TouchServiceAccountUsage(ctx context.Context, id int64) error
	RecordAPIUsage(ctx context.Context, u *models.APIUsage) error
	CountUsageSince(ctx context.Context, serviceAccountID int64, since time.Time) (int, error)
}

// ServiceAccountAuth authenticates Ingress callers by API key, hashing the
// presented key and looking it up against the stored SHA-256 digest — the
// plaintext key itself is never persisted.
type ServiceAccountAuth struct {
	store        ServiceAccountStore
	allowedTypes map[models.AccountType]bool
}

// NewServiceAccountAuth builds auth middleware restricted to allowedTypes
// (empty means any active account type is accepted).
func NewServiceAccountAuth(store ServiceAccountStore, allowedTypes ...models.AccountType) *ServiceAccountAuth {
	allowed := make(map[models.AccountType]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &ServiceAccountAuth{store: store, allowedTypes: allowed}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// Middleware authenticates the caller, checks its account type and
// glob-style permission entry for this route, enforces its hourly request
// budget, and logs the request to api_usage — the service-account analogue
// of the teacher's bearer-token APIKeyAuth.
func (a *ServiceAccountAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		key := extractAPIKey(r)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "api key required")
			return
		}

		account, err := a.store.GetServiceAccountByHash(r.Context(), hashAPIKey(key))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unknown or inactive api key")
			return
		}
		if !account.IsActive {
			respondError(w, http.StatusUnauthorized, "service account revoked")
			return
		}
		if account.ExpiresAt != nil && account.ExpiresAt.Before(time.Now()) {
			respondError(w, http.StatusUnauthorized, "service account expired")
			return
		}
		if len(a.allowedTypes) > 0 && !a.allowedTypes[account.AccountType] {
			respondError(w, http.StatusForbidden, "account type not permitted for this endpoint")
			return
		}
		if !checkPermission(account.Permissions, r.Method, r.URL.Path) {
			respondError(w, http.StatusForbidden, "service account lacks permission for this route")
			return
		}

		if account.RateLimit > 0 {
			count, err := a.store.CountUsageSince(r.Context(), account.ID, time.Now().Add(-time.Hour))
			if err == nil && count >= account.RateLimit {
				respondError(w, http.StatusTooManyRequests, "hourly rate limit exceeded")
				return
			}
		}

		ctx := context.WithValue(r.Context(), serviceAccountKey, account)
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		go func() {
			bgCtx := context.Background()
			_ = a.store.TouchServiceAccountUsage(bgCtx, account.ID)
			_ = a.store.RecordAPIUsage(bgCtx, &models.APIUsage{
				ServiceAccountID: account.ID,
				Endpoint:         r.URL.Path,
				Method:           r.Method,
				IPAddress:        r.RemoteAddr,
				UserAgent:        r.UserAgent(),
				ResponseStatus:   rw.statusCode,
				ResponseTimeMs:   time.Since(start).Milliseconds(),
			})
		}()
	})
}

// checkPermission reports whether any of perms authorizes method+path.
// A permission entry is "METHOD path" or bare "path"; a path ending in "/*"
// or "*" matches anything sharing that prefix.
func checkPermission(perms []string, method, path string) bool {
	for _, p := range perms {
		if p == "*" {
			return true
		}
		patMethod, patPath := "", p
		if idx := strings.IndexByte(p, ' '); idx >= 0 {
			patMethod, patPath = p[:idx], p[idx+1:]
		}
		if patMethod != "" && !strings.EqualFold(patMethod, method) {
			continue
		}
		if strings.HasSuffix(patPath, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(patPath, "/*")) {
				return true
			}
			continue
		}
		if strings.HasSuffix(patPath, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(patPath, "*")) {
				return true
			}
			continue
		}
		if patPath == path {
			return true
		}
	}
	return false
}

// ServiceAccountFromContext retrieves the authenticated caller, if any.
func ServiceAccountFromContext(ctx context.Context) (*models.ServiceAccount, bool) {
	acct, ok := ctx.Value(serviceAccountKey).(*models.ServiceAccount)
	return acct, ok
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
