// Package apierr defines the sentinel error types shared by the store and
// service layers so handlers can map failures to HTTP status codes by type
// rather than string matching.
package apierr

import "fmt"

// NotFound is returned when a lookup by id/key finds no row.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// Conflict is returned when a write violates a uniqueness or state invariant.
type Conflict struct {
	Entity string
	Reason string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Reason)
}

// RateLimited is returned by CommandProc's dispatch when the RateLimiter
// rejects a command for its (command, entity, user) window. The service-account
// auth middleware writes its own 429 and does not use this type.
type RateLimited struct {
	Key        string
	RetryAfter int // seconds
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Key, e.RetryAfter)
}

// Unauthorized is returned when a service account key is unknown or inactive.
type Unauthorized struct {
	Reason string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// Forbidden is returned when a command is not enabled for the entity, or a
// user lacks the RBAC role a command requires.
type Forbidden struct {
	Reason string
}

func (e *Forbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}
