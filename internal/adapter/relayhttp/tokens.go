package relayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
)

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// TokenManager owns the credential pair. It persists every change so a
// restarted client resumes with the newest tokens instead of a spent
// refresh token from the config file.
type TokenManager struct {
	mu        sync.Mutex
	tokens    Tokens
	store     domain.DurableStore
	refresher Refresher
	logger    *slog.Logger
}

// NewTokenManager creates a TokenManager seeded from cfg. Call Load to pick up
// persisted tokens.
func NewTokenManager(store domain.DurableStore, refresher Refresher, seed config.AuthConfig, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		tokens:    Tokens{AccessToken: seed.AccessToken, RefreshToken: seed.RefreshToken},
		store:     store,
		refresher: refresher,
		logger:    logger,
	}
}

// Load replaces the seed with persisted tokens when present.
func (m *TokenManager) Load(ctx context.Context) error {
	data, err := m.store.Get(ctx, domain.KeyAuthTokens)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.WrapOp("TokenManager.Load", err)
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil || t.AccessToken == "" {
		m.logger.Warn("ignoring unreadable persisted tokens")
		return nil
	}
	m.mu.Lock()
	m.tokens = t
	m.mu.Unlock()
	return nil
}

// AccessToken implements domain.TokenSource.
func (m *TokenManager) AccessToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.AccessToken == "" {
		return "", domain.ErrLoggedOut
	}
	return m.tokens.AccessToken, nil
}

// Set stores a freshly issued pair, e.g. after an interactive login.
func (m *TokenManager) Set(ctx context.Context, t Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(ctx, t)
}

// Refresh implements domain.TokenSource. The lock is held across the HTTP
// call so concurrent callers never spend the same refresh token twice.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens.RefreshToken == "" {
		return domain.NewDomainError("TokenManager.Refresh", domain.ErrLoggedOut, "no refresh token")
	}
	t, err := m.refresher.Refresh(ctx, m.tokens.RefreshToken)
	if err != nil {
		return domain.WrapOp("TokenManager.Refresh", err)
	}
	if t.RefreshToken == "" {
		t.RefreshToken = m.tokens.RefreshToken
	}
	if err := m.setLocked(ctx, t); err != nil {
		return err
	}
	m.logger.Info("access token refreshed")
	return nil
}

// Logout implements domain.TokenSource.
func (m *TokenManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.tokens = Tokens{}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, domain.KeyAuthTokens); err != nil {
		return domain.WrapOp("TokenManager.Logout", err)
	}
	m.logger.Warn("credentials cleared")
	return nil
}

func (m *TokenManager) setLocked(ctx context.Context, t Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	m.tokens = t
	if err := m.store.Set(ctx, domain.KeyAuthTokens, data); err != nil {
		return domain.WrapOp("TokenManager.persist", err)
	}
	return nil
}

var _ domain.TokenSource = (*TokenManager)(nil)
