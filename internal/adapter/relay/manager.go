// Package relay owns the single socket to the relay: dialing, the reconnect
// state machine and routing of inbound frames.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
	"clawremote/internal/usecase/correlator"
	"clawremote/internal/usecase/pendinganswers"
)

// Close codes the relay uses to reject a session after the upgrade.
const (
	CloseUnauthorized         websocket.StatusCode = 4001
	CloseSubscriptionRequired websocket.StatusCode = 4003
)

// Defaults for zero-valued relay settings.
const (
	defaultDialTimeout    = 10 * time.Second
	defaultBackoffFloor   = time.Second
	defaultBackoffCeiling = 30 * time.Second
)

// readLimit bounds a single inbound frame; log chunks and process snapshots
// can be large.
const readLimit = 8 << 20

// AnswerFlusher drains queued answers once a socket is open.
type AnswerFlusher interface {
	Flush(ctx context.Context, send pendinganswers.SendFunc) error
}

// OpenHook runs after every successful open, concurrently with the read
// loop so it may issue correlated requests.
type OpenHook func(ctx context.Context) error

// Manager maintains at most one live relay connection and reconnects with
// exponential backoff. All state transitions are published on the bus.
type Manager struct {
	cfg         config.RelayConfig
	tokens      domain.TokenSource
	entitlement domain.EntitlementChecker
	dispatcher  *Dispatcher
	corr        *correlator.Correlator
	queue       AnswerFlusher
	bus         domain.EventBus
	logger      *slog.Logger
	limiter     *rate.Limiter
	httpClient  *http.Client

	foreground chan struct{}
	resume     chan struct{}

	mu        sync.Mutex
	state     domain.ConnState
	conn      *websocket.Conn
	backoff   *Backoff
	running   bool
	refreshed bool // a refresh was spent since the last successful open
	hooks     []OpenHook
}

// NewManager creates a Manager in the Disconnected state. entitlement,
// queue and bus may be nil.
func NewManager(cfg config.RelayConfig, tokens domain.TokenSource, entitlement domain.EntitlementChecker,
	dispatcher *Dispatcher, corr *correlator.Correlator, queue AnswerFlusher, bus domain.EventBus, logger *slog.Logger,
) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = correlator.DefaultTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = defaultBackoffCeiling
	}
	burst := cfg.DialBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.DialRate)
	if cfg.DialRate <= 0 {
		limit = rate.Inf
	}
	return &Manager{
		cfg:         cfg,
		tokens:      tokens,
		entitlement: entitlement,
		dispatcher:  dispatcher,
		corr:        corr,
		queue:       queue,
		bus:         bus,
		logger:      logger,
		limiter:     rate.NewLimiter(limit, burst),
		httpClient:  http.DefaultClient,
		foreground:  make(chan struct{}, 1),
		resume:      make(chan struct{}, 1),
		state:       domain.StateDisconnected,
		backoff:     NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
	}
}

// OnOpen registers a hook run after each successful open. Hooks registered
// after Run starts apply from the next open.
func (m *Manager) OnOpen(h OpenHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a socket is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Foreground collapses backoff to its floor and, when waiting to reconnect,
// triggers an immediate attempt. It is a no-op while connected or opening.
func (m *Manager) Foreground() {
	m.mu.Lock()
	m.backoff.Reset()
	waiting := m.state == domain.StateDisconnected
	m.mu.Unlock()
	if waiting {
		signal(m.foreground)
	}
}

// Resume retries after a suspended state (subscription required or logged
// out) once the external condition has been fixed.
func (m *Manager) Resume() {
	signal(m.resume)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Send writes cmd to the live socket, assigning a request id when the kind
// carries one and none is set.
func (m *Manager) Send(ctx context.Context, cmd domain.Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	if cmd.ID == "" && cmd.NeedsID() {
		cmd.ID = m.corr.NextID()
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, cmd); err != nil {
		return fmt.Errorf("send %s: %w: %w", cmd.Type, domain.ErrNotConnected, err)
	}
	return nil
}

// Run drives the connection until ctx is cancelled. Only one Run may be
// active per Manager.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.setState(context.Background(), domain.StateDisconnected, 0, "stopped")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if m.State().Suspended() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.resume:
				m.mu.Lock()
				m.backoff.Reset()
				m.refreshed = false
				m.mu.Unlock()
				m.setState(ctx, domain.StateDisconnected, 0, "resumed")
			}
			continue
		}

		err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, domain.ErrSubscriptionRequired):
			m.setState(ctx, domain.StateSubscriptionRequired, 0, err.Error())
		case errors.Is(err, domain.ErrLoggedOut):
			m.setState(ctx, domain.StateLoggedOut, 0, err.Error())
		case errors.Is(err, domain.ErrUnauthorized):
			m.reauthorize(ctx, err)
		default:
			m.waitBackoff(ctx, err)
		}
	}
}

// reauthorize spends one refresh attempt. A second auth failure without a
// successful open in between is a hard logout.
func (m *Manager) reauthorize(ctx context.Context, cause error) {
	m.setState(ctx, domain.StateUnauthorized, 0, cause.Error())

	m.mu.Lock()
	spent := m.refreshed
	m.refreshed = true
	m.mu.Unlock()

	if !spent {
		err := m.tokens.Refresh(ctx)
		if err == nil {
			m.mu.Lock()
			m.backoff.Reset()
			m.mu.Unlock()
			m.setState(ctx, domain.StateDisconnected, 0, "credentials refreshed")
			return
		}
		m.logger.Warn("credential refresh failed", "error", err)
	}

	if err := m.tokens.Logout(ctx); err != nil {
		m.logger.Error("logout failed", "error", err)
	}
	m.setState(ctx, domain.StateLoggedOut, 0, "authentication failed")
	m.publish(ctx, domain.NewEvent(domain.EventLoggedOut, nil))
}

func (m *Manager) waitBackoff(ctx context.Context, cause error) {
	// A foreground signal sent before this wait began is stale.
	select {
	case <-m.foreground:
	default:
	}

	m.mu.Lock()
	delay := m.backoff.Next()
	m.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.setState(ctx, domain.StateDisconnected, delay, reason)
	m.logger.Info("reconnect scheduled", "delay", delay, "reason", reason)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-m.foreground:
	case <-m.resume:
	}
}

// session performs one Connecting → Connected → closed cycle. The returned
// error classifies why the session ended.
func (m *Manager) session(ctx context.Context) error {
	m.setState(ctx, domain.StateConnecting, 0, "")

	if m.entitlement != nil && !m.cfg.SkipEntitlementCheck {
		ok, err := m.entitlement.Subscribed(ctx)
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			return err
		case err != nil:
			// Network trouble on the precondition is transient.
			return fmt.Errorf("entitlement check: %w", err)
		case !ok:
			return domain.NewDomainError("Manager.connect", domain.ErrSubscriptionRequired, "account is not subscribed")
		}
	}

	token, err := m.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	conn, err := m.dial(ctx, token)
	if err != nil {
		return err
	}
	conn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.opened(connCtx, conn)
	defer m.closed()

	err = m.readLoop(connCtx, conn)
	conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := socketURL(m.cfg.URL, token)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, u, &websocket.DialOptions{HTTPClient: m.httpClient})
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, domain.NewDomainError("Manager.dial", domain.ErrUnauthorized, "handshake rejected")
		case http.StatusForbidden:
			return nil, domain.NewDomainError("Manager.dial", domain.ErrSubscriptionRequired, "handshake rejected")
		}
	}
	return nil, fmt.Errorf("dial relay: %w", err)
}

func (m *Manager) opened(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.backoff.Reset()
	m.refreshed = false
	hooks := append([]OpenHook(nil), m.hooks...)
	m.mu.Unlock()

	m.setState(ctx, domain.StateConnected, 0, "")
	m.logger.Info("relay connected", "url", m.cfg.URL)

	go m.afterOpen(ctx, hooks)
}

// afterOpen requests the job list, flushes queued answers and runs hooks.
func (m *Manager) afterOpen(ctx context.Context, hooks []OpenHook) {
	if err := m.Send(ctx, domain.Command{Type: domain.MsgListJobs}); err != nil {
		m.logger.Warn("list_jobs after open failed", "error", err)
	}
	if m.queue != nil {
		err := m.queue.Flush(ctx, func(ctx context.Context, a domain.AnswerCommand) error {
			return m.Send(ctx, a.Command())
		})
		if err != nil {
			m.logger.Warn("pending answer flush incomplete", "error", err)
		}
	}
	for _, h := range hooks {
		if err := h(ctx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
			m.logger.Warn("open hook failed", "error", err)
		}
	}
}

func (m *Manager) closed() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return classifyClose(err)
		}
		re := m.dispatcher.Dispatch(ctx, data)
		if re == nil {
			continue
		}
		switch re.Code {
		case domain.CodeUnauthorizedFrame:
			conn.Close(websocket.StatusPolicyViolation, "reauthenticating")
			return domain.WrapOp("Manager.read", re)
		case domain.CodeSubscriptionExpired:
			conn.Close(websocket.StatusPolicyViolation, "subscription expired")
			return domain.WrapOp("Manager.read", re)
		}
	}
}

func classifyClose(err error) error {
	switch websocket.CloseStatus(err) {
	case CloseUnauthorized:
		return domain.NewDomainError("Manager.read", domain.ErrUnauthorized, "closed by relay")
	case CloseSubscriptionRequired:
		return domain.NewDomainError("Manager.read", domain.ErrSubscriptionRequired, "closed by relay")
	}
	return fmt.Errorf("read relay: %w", err)
}

func (m *Manager) setState(ctx context.Context, st domain.ConnState, backoff time.Duration, reason string) {
	m.mu.Lock()
	changed := m.state != st
	m.state = st
	m.mu.Unlock()

	if changed {
		m.logger.Debug("connection state", "state", st, "reason", reason)
	}
	m.publish(ctx, domain.NewEvent(domain.EventConnectionState, domain.ConnectionStateChange{
		State:   st,
		Backoff: backoff,
		Reason:  reason,
	}))
}

func (m *Manager) publish(ctx context.Context, ev domain.Event) {
	if m.bus != nil {
		m.bus.Publish(ctx, ev)
	}
}

// socketURL appends /ws and the bearer token to the relay base URL.
func socketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ domain.CommandSender = (*Manager)(nil)
