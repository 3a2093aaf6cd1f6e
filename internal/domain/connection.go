package domain

import "context"

// ConnState is the ConnectionManager lifecycle state.
type ConnState string

const (
	StateDisconnected         ConnState = "disconnected"
	StateConnecting           ConnState = "connecting"
	StateConnected            ConnState = "connected"
	StateSubscriptionRequired ConnState = "subscription_required"
	StateUnauthorized         ConnState = "unauthorized"
	StateLoggedOut            ConnState = "logged_out"
)

// Suspended reports whether the state stops reconnect attempts until an
// external condition changes.
func (s ConnState) Suspended() bool {
	return s == StateSubscriptionRequired || s == StateLoggedOut
}

// CommandSender writes a command to the live relay socket. Implementations
// return ErrNotConnected when no socket is open.
type CommandSender interface {
	Send(ctx context.Context, cmd Command) error
}

// TokenSource supplies the bearer credential embedded in the connection URI.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	// Refresh exchanges the refresh token for a new credential pair.
	Refresh(ctx context.Context) error
	// Logout discards all credentials.
	Logout(ctx context.Context) error
}

// EntitlementChecker answers whether the account may open a relay socket.
type EntitlementChecker interface {
	Subscribed(ctx context.Context) (bool, error)
}
