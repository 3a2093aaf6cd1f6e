package domain

import "context"

// DurableStore is the platform-persistent key-value port used by the offline
// cache, the pending-answer queue, the auto-accept policy and the token
// manager. Get returns ErrNotFound for an absent key.
type DurableStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Durable store keys.
const (
	KeySnapshot       = "cached_snapshot"
	KeyPendingAnswers = "pending_answers"
	KeyAutoYesPanes   = "auto_yes_panes"
	KeyAutoYesPending = "auto_yes_panes_pending"
	KeyAuthTokens     = "auth_tokens"
)
