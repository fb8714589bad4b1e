// Package sessions holds conversation state: ordered message history, an
// optional per-session model override, and running usage accounting.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound means the session id is unknown to the store.
var ErrNotFound = errors.New("session not found")

// Store is the session persistence contract. Sessions are created on first
// reference, mutated only through the engine, and destroyed only on
// explicit request. Implementations must be safe for concurrent use.
type Store interface {
	// GetOrCreate returns a copy of the session, creating it if absent.
	GetOrCreate(ctx context.Context, id string) (*models.Session, error)

	// Append adds messages to the session's history in order.
	Append(ctx context.Context, id string, msgs ...models.Message) error

	// History returns a copy of the session's ordered messages.
	History(ctx context.Context, id string) ([]models.Message, error)

	// SetModelOverride pins a model for the session; empty clears it.
	SetModelOverride(ctx context.Context, id, model string) error

	// ModelOverride returns the pinned model, or "" when unset.
	ModelOverride(ctx context.Context, id string) (string, error)

	// RecordUsage adds one call's tokens and cost to the session counters.
	RecordUsage(ctx context.Context, id string, usage models.Usage, costUSD float64) error

	// Delete removes the session and its history.
	Delete(ctx context.Context, id string) error

	// Len reports how many sessions the store holds.
	Len() int
}
