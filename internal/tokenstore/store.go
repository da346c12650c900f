// Package tokenstore persists completed token sets outside the engine.
package tokenstore

import (
	"context"
	"errors"

	"github.com/wrale/authflow/internal/engine"
)

// Common errors
var (
	ErrExpired    = errors.New("token set has already expired")
	ErrInvalidKey = errors.New("invalid store key")
)

// Record is a stored token set.
type Record struct {
	Key       string          `json:"key"`
	Tokens    engine.TokenSet `json:"tokens"`
	SavedAtMs int64           `json:"saved_at_ms"`
}

// Store defines the interface for token persistence
type Store interface {
	// Save stores tokens under key. nowMs is the caller's current time and
	// determines the remaining lifetime.
	Save(ctx context.Context, key string, tokens engine.TokenSet, nowMs int64) error

	// Load returns the record for key, or nil when absent or expired
	Load(ctx context.Context, key string) (*Record, error)

	// LoadBySubject returns the most recently saved record for an id_token subject
	LoadBySubject(ctx context.Context, subject string) (*Record, error)

	// Delete removes a record and its subject reference
	Delete(ctx context.Context, key string) error

	// CheckHealth verifies the storage backend is healthy
	CheckHealth(ctx context.Context) error
}
