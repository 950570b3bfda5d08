// Package stringmatch evaluates chat messages against configured pattern
// rules (exact/contains/word/regex) and dispatches the configured action:
// warn, block, trigger a command, or call a webhook.
package stringmatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/pkg/models"
)

// Store is the persistence dependency; satisfied by internal/store.Postgres.
type Store interface {
	ListActiveRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error)
	RecordMatch(ctx context.Context, id int64) error
}

const ruleCacheTTL = 5 * time.Minute

type ruleCacheEntry struct {
	rules     []*models.StringMatchRule
	expiresAt time.Time
}

type regexKey struct {
	pattern       string
	caseSensitive bool
	word          bool
}

// Matcher evaluates inbound messages against StringMatchRule rows, caching
// the active rule set per entity for ruleCacheTTL and memoizing compiled
// regexes across rules.
type Matcher struct {
	store  Store
	client *http.Client
	secret string

	mu        sync.Mutex
	ruleCache map[string]ruleCacheEntry
	regexes   map[regexKey]*regexp.Regexp
}

// New builds a Matcher. webhookSecret signs outbound webhook bodies with
// HMAC-SHA256 in the X-WaddleBot-Signature header; empty disables signing.
func New(store Store, webhookSecret string) *Matcher {
	return &Matcher{
		store:     store,
		client:    &http.Client{Timeout: 10 * time.Second},
		secret:    webhookSecret,
		ruleCache: make(map[string]ruleCacheEntry),
		regexes:   make(map[regexKey]*regexp.Regexp),
	}
}

// Match is the outcome of evaluating a message: the rule that fired (nil if
// none did) and the action to take.
type Match struct {
	Rule *models.StringMatchRule
}

// Evaluate returns the first active rule (lowest priority number first) that
// matches message for entityID, or nil if none match.
func (m *Matcher) Evaluate(ctx context.Context, entityID, message string) (*models.StringMatchRule, error) {
	rules, err := m.activeRules(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if m.matches(r, message) {
			return r, nil
		}
	}
	return nil, nil
}

func (m *Matcher) activeRules(ctx context.Context, entityID string) ([]*models.StringMatchRule, error) {
	m.mu.Lock()
	entry, ok := m.ruleCache[entityID]
	m.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rules, nil
	}

	rules, err := m.store.ListActiveRules(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load string match rules: %w", err)
	}
	m.mu.Lock()
	m.ruleCache[entityID] = ruleCacheEntry{rules: rules, expiresAt: time.Now().Add(ruleCacheTTL)}
	m.mu.Unlock()
	return rules, nil
}

// InvalidateCache drops the cached rule set for entityID, forcing the next
// Evaluate to reload from the store. Call after CreateRule/UpdateRule/DeleteRule.
func (m *Matcher) InvalidateCache(entityID string) {
	m.mu.Lock()
	delete(m.ruleCache, entityID)
	m.mu.Unlock()
}

// InvalidateAll drops every cached rule set. Rule CRUD operations affect an
// unknown set of entities (EnabledEntityIDs is applied by the store query), so
// admin edits clear everything rather than guessing which keys are stale.
func (m *Matcher) InvalidateAll() {
	m.mu.Lock()
	m.ruleCache = make(map[string]ruleCacheEntry)
	m.mu.Unlock()
}

func (m *Matcher) matches(r *models.StringMatchRule, message string) bool {
	subject, pattern := message, r.Pattern
	if !r.CaseSensitive {
		subject = strings.ToLower(subject)
		pattern = strings.ToLower(pattern)
	}

	switch r.MatchType {
	case models.MatchTypeExact:
		return pattern == "*" || subject == pattern
	case models.MatchTypeContains:
		return pattern == "*" || strings.Contains(subject, pattern)
	case models.MatchTypeWord:
		if r.Pattern == "*" {
			return true
		}
		re, err := m.compiledWordRegex(r.Pattern, r.CaseSensitive)
		if err != nil {
			log.Warn().Err(err).Int64("rule_id", r.ID).Msg("invalid word string match rule")
			return false
		}
		return re.MatchString(message)
	case models.MatchTypeRegex:
		re, err := m.compiledRegex(r.Pattern, r.CaseSensitive)
		if err != nil {
			log.Warn().Err(err).Int64("rule_id", r.ID).Msg("invalid regex string match rule")
			return false
		}
		return re.MatchString(message)
	default:
		return false
	}
}

func (m *Matcher) compiledRegex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := regexKey{pattern: pattern, caseSensitive: caseSensitive}
	m.mu.Lock()
	re, ok := m.regexes[key]
	m.mu.Unlock()
	if ok {
		return re, nil
	}

	expr := pattern
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.regexes[key] = re
	m.mu.Unlock()
	return re, nil
}

// compiledWordRegex builds (and memoizes) a \bpattern\b matcher for
// MatchTypeWord, mirroring string_matcher.py's
// re.search(r'\b' + re.escape(pattern) + r'\b', subject): a true word-boundary
// match rather than whitespace tokenization, so punctuation-adjacent hits
// like "badword?" still match the bare word "badword".
func (m *Matcher) compiledWordRegex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := regexKey{pattern: pattern, caseSensitive: caseSensitive, word: true}
	m.mu.Lock()
	re, ok := m.regexes[key]
	m.mu.Unlock()
	if ok {
		return re, nil
	}

	expr := `\b` + regexp.QuoteMeta(pattern) + `\b`
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.regexes[key] = re
	m.mu.Unlock()
	return re, nil
}

// RecordMatch bumps match_count/last_matched for the rule that fired.
func (m *Matcher) RecordMatch(ctx context.Context, id int64) error {
	return m.store.RecordMatch(ctx, id)
}

// WebhookPayload is the JSON body POSTed to a MatchActionWebhook rule's
// webhook_url.
type WebhookPayload struct {
	EntityID string `json:"entity_id"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	RuleID   int64  `json:"rule_id"`
	Pattern  string `json:"pattern"`
}

// DispatchWebhook POSTs payload to url, signing the body with HMAC-SHA256
// when a secret was configured, and retries up to 3 attempts with a short
// linear backoff before giving up.
func (m *Matcher) DispatchWebhook(ctx context.Context, url string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-WaddleBot-Source", "router")
		req.Header.Set("X-WaddleBot-Type", "string-match")
		if m.secret != "" {
			req.Header.Set("X-WaddleBot-Signature", m.sign(body))
		}

		resp, err := m.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	return fmt.Errorf("webhook dispatch failed after 3 attempts: %w", lastErr)
}

func (m *Matcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
