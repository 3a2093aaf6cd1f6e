package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawremote/internal/adapter/storage"
	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
	"clawremote/internal/usecase/correlator"
	"clawremote/internal/usecase/pendinganswers"
	"clawremote/internal/usecase/statestore"
)

// --- test doubles ---

// fakeRelay is an in-process relay. reject decides the handshake status for
// a token; zero accepts the upgrade.
type fakeRelay struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	stop   chan struct{}
	dials  atomic.Int32
	mu     sync.Mutex
	tokens []string
	reject func(token string) int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		conns:  make(chan *websocket.Conn, 8),
		stop:   make(chan struct{}),
		reject: func(string) int { return 0 },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleUpgrade)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(f.stop) })
	return f
}

func (f *fakeRelay) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	token := r.URL.Query().Get("token")
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	reject := f.reject
	f.mu.Unlock()

	if code := reject(token); code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- ws
	<-f.stop
	ws.Close(websocket.StatusGoingAway, "test over")
}

func (f *fakeRelay) setReject(fn func(string) int) {
	f.mu.Lock()
	f.reject = fn
	f.mu.Unlock()
}

func (f *fakeRelay) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func readCommand(t *testing.T, c *websocket.Conn) domain.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var cmd domain.Command
	require.NoError(t, wsjson.Read(ctx, c, &cmd))
	return cmd
}

func writeFrame(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(frame)))
}

// drain reads the server side until it closes so close handshakes started
// by the client complete.
func drain(c *websocket.Conn) {
	go func() {
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

type fakeTokens struct {
	mu         sync.Mutex
	token      string
	refreshTo  string
	refreshErr error
	refreshes  int
	logouts    int
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return "", domain.ErrLoggedOut
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = f.refreshTo
	return nil
}

func (f *fakeTokens) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.token = ""
	return nil
}

func (f *fakeTokens) counts() (refreshes, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes, f.logouts
}

type fakeEntitlement struct {
	calls atomic.Int32
	ok    bool
	err   error
}

func (f *fakeEntitlement) Subscribed(context.Context) (bool, error) {
	f.calls.Add(1)
	return f.ok, f.err
}

type harness struct {
	m     *Manager
	store *statestore.Store
	queue *pendinganswers.Queue
	done  chan error
}

func testRelayConfig(url string) config.RelayConfig {
	return config.RelayConfig{
		URL:            url,
		RequestTimeout: 2 * time.Second,
		DialTimeout:    2 * time.Second,
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: 40 * time.Millisecond,
	}
}

func startManager(t *testing.T, cfg config.RelayConfig, tokens domain.TokenSource, ent domain.EntitlementChecker, setup func(*harness)) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	corr := correlator.New()
	h := &harness{
		store: statestore.New(nil, logger),
		queue: pendinganswers.New(storage.NewMemoryStore(), nil, logger),
		done:  make(chan error, 1),
	}
	d := NewDispatcher(corr, h.store, &recordingQuestions{}, &recordingLogs{}, nil, logger)
	h.m = NewManager(cfg, tokens, ent, d, corr, h.queue, nil, logger)
	if setup != nil {
		setup(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want domain.ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want },
		3*time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, h.m.State())
}

// --- tests ---

func TestOpenRequestsJobsAndAppliesPush(t *testing.T) {
	relay := newFakeRelay(t)
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, nil)

	c := relay.accept(t)
	h.waitState(t, domain.StateConnected)

	cmd := readCommand(t, c)
	assert.Equal(t, domain.MsgListJobs, cmd.Type)
	require.NotEmpty(t, cmd.ID)

	writeFrame(t, c, `{"type":"jobs_list","id":"`+cmd.ID+`","jobs":[{"name":"build"}],"statuses":{"build":{"state":"running","run_id":"r1","started_at":"t0"}}}`)
	require.Eventually(t, h.store.Loaded, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.Running("r1", "t0"), h.store.Status("build"))
	assert.Equal(t, []string{"tok"}, relay.seenTokens())
}

func TestOpenFlushesPendingAnswersInOrder(t *testing.T) {
	relay := newFakeRelay(t)
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, func(h *harness) {
		ctx := context.Background()
		require.NoError(t, h.queue.Enqueue(ctx, domain.AnswerCommand{QuestionID: "q1", PaneID: "%5", Answer: "1"}))
		require.NoError(t, h.queue.Enqueue(ctx, domain.AnswerCommand{QuestionID: "q2", PaneID: "%6", Answer: "2"}))
	})

	c := relay.accept(t)
	assert.Equal(t, domain.MsgListJobs, readCommand(t, c).Type)
	first, second := readCommand(t, c), readCommand(t, c)
	assert.Equal(t, domain.MsgAnswerQuestion, first.Type)
	assert.Equal(t, "q1", first.QuestionID)
	assert.Equal(t, "q2", second.QuestionID)
	assert.NotEmpty(t, first.ID)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestReconnectsAfterTransientClose(t *testing.T) {
	relay := newFakeRelay(t)
	var opens atomic.Int32
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, func(h *harness) {
		h.m.OnOpen(func(context.Context) error { opens.Add(1); return nil })
	})

	c := relay.accept(t)
	h.waitState(t, domain.StateConnected)
	require.NoError(t, c.Close(websocket.StatusInternalError, "relay restart"))

	relay.accept(t)
	require.Eventually(t, func() bool { return opens.Load() == 2 }, 3*time.Second, 5*time.Millisecond)
	h.waitState(t, domain.StateConnected)
}

func TestHandshakeUnauthorizedRefreshesOnce(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setReject(func(tok string) int {
		if tok != "fresh" {
			return http.StatusUnauthorized
		}
		return 0
	})
	tokens := &fakeTokens{token: "stale", refreshTo: "fresh"}
	h := startManager(t, testRelayConfig(relay.url()), tokens, nil, nil)

	relay.accept(t)
	h.waitState(t, domain.StateConnected)
	refreshes, logouts := tokens.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 0, logouts)
	assert.Equal(t, []string{"stale", "fresh"}, relay.seenTokens())
}

func TestHandshakeUnauthorizedAfterRefreshLogsOut(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setReject(func(string) int { return http.StatusUnauthorized })
	tokens := &fakeTokens{token: "stale", refreshTo: "still-bad"}
	h := startManager(t, testRelayConfig(relay.url()), tokens, nil, nil)

	h.waitState(t, domain.StateLoggedOut)
	refreshes, logouts := tokens.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1, logouts)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), relay.dials.Load(), "logged out must not keep dialing")
}

func TestRefreshFailureLogsOut(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setReject(func(string) int { return http.StatusUnauthorized })
	tokens := &fakeTokens{token: "stale", refreshErr: errors.New("refresh token spent")}
	h := startManager(t, testRelayConfig(relay.url()), tokens, nil, nil)

	h.waitState(t, domain.StateLoggedOut)
	_, logouts := tokens.counts()
	assert.Equal(t, 1, logouts)
}

func TestHandshakeForbiddenSuspendsUntilResume(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setReject(func(string) int { return http.StatusForbidden })
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, nil)

	h.waitState(t, domain.StateSubscriptionRequired)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), relay.dials.Load(), "suspended state must not reconnect")

	relay.setReject(func(string) int { return 0 })
	h.m.Resume()
	relay.accept(t)
	h.waitState(t, domain.StateConnected)
}

func TestCloseCodeSubscriptionRequired(t *testing.T) {
	relay := newFakeRelay(t)
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, nil)

	c := relay.accept(t)
	h.waitState(t, domain.StateConnected)
	require.NoError(t, c.Close(CloseSubscriptionRequired, "subscription required"))

	h.waitState(t, domain.StateSubscriptionRequired)
}

func TestUnauthorizedFrameRefreshesAndReconnects(t *testing.T) {
	relay := newFakeRelay(t)
	tokens := &fakeTokens{token: "old", refreshTo: "new"}
	h := startManager(t, testRelayConfig(relay.url()), tokens, nil, nil)

	c := relay.accept(t)
	h.waitState(t, domain.StateConnected)
	drain(c)
	writeFrame(t, c, `{"type":"error","code":"UNAUTHORIZED","message":"token expired"}`)

	relay.accept(t)
	h.waitState(t, domain.StateConnected)
	assert.Equal(t, []string{"old", "new"}, relay.seenTokens())
	refreshes, _ := tokens.counts()
	assert.Equal(t, 1, refreshes)
}

func TestEntitlementNotSubscribedNeverDials(t *testing.T) {
	relay := newFakeRelay(t)
	ent := &fakeEntitlement{ok: false}
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, ent, nil)

	h.waitState(t, domain.StateSubscriptionRequired)
	assert.Equal(t, int32(0), relay.dials.Load())
}

func TestEntitlementNetworkFailureIsTransient(t *testing.T) {
	relay := newFakeRelay(t)
	ent := &fakeEntitlement{err: domain.ErrSideChannel}
	startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, ent, nil)

	require.Eventually(t, func() bool { return ent.calls.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), relay.dials.Load())
}

func TestSkipEntitlementCheck(t *testing.T) {
	relay := newFakeRelay(t)
	ent := &fakeEntitlement{ok: false}
	cfg := testRelayConfig(relay.url())
	cfg.SkipEntitlementCheck = true
	h := startManager(t, cfg, &fakeTokens{token: "tok"}, ent, nil)

	relay.accept(t)
	h.waitState(t, domain.StateConnected)
	assert.Equal(t, int32(0), ent.calls.Load())
}

func TestForegroundSkipsBackoff(t *testing.T) {
	relay := newFakeRelay(t)
	var failed atomic.Bool
	relay.setReject(func(string) int {
		if failed.CompareAndSwap(false, true) {
			return http.StatusBadGateway
		}
		return 0
	})
	cfg := testRelayConfig(relay.url())
	cfg.BackoffFloor = time.Hour
	cfg.BackoffCeiling = time.Hour
	h := startManager(t, cfg, &fakeTokens{token: "tok"}, nil, nil)

	require.Eventually(t, func() bool {
		return relay.dials.Load() == 1 && h.m.State() == domain.StateDisconnected
	}, 3*time.Second, 5*time.Millisecond)

	h.m.Foreground()
	relay.accept(t)
	h.waitState(t, domain.StateConnected)
}

func TestStaleForegroundDoesNotShortenBackoff(t *testing.T) {
	cfg := testRelayConfig("ws://127.0.0.1:1")
	cfg.BackoffFloor = 150 * time.Millisecond
	cfg.BackoffCeiling = 150 * time.Millisecond
	logger := slog.New(slog.DiscardHandler)
	corr := correlator.New()
	d := NewDispatcher(corr, statestore.New(nil, logger), &recordingQuestions{}, &recordingLogs{}, nil, logger)
	m := NewManager(cfg, &fakeTokens{token: "tok"}, nil, d, corr, nil, nil, logger)

	// Left over from a foreground event that raced the end of an earlier wait.
	signal(m.foreground)

	start := time.Now()
	m.waitBackoff(context.Background(), errors.New("dial refused"))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, m.State())
}

func TestSecondRunRejected(t *testing.T) {
	relay := newFakeRelay(t)
	h := startManager(t, testRelayConfig(relay.url()), &fakeTokens{token: "tok"}, nil, nil)
	relay.accept(t)
	h.waitState(t, domain.StateConnected)

	err := h.m.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestSendWithoutConnection(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	corr := correlator.New()
	d := NewDispatcher(corr, statestore.New(nil, logger), &recordingQuestions{}, &recordingLogs{}, nil, logger)
	m := NewManager(testRelayConfig("ws://127.0.0.1:1"), &fakeTokens{token: "tok"}, nil, d, corr, nil, nil, logger)

	err := m.Send(context.Background(), domain.Command{Type: domain.MsgRunJob, Name: "build"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"ws://127.0.0.1:8090", "ws://127.0.0.1:8090/ws?token=a+b%2F"},
		{"wss://relay.example.com/", "wss://relay.example.com/ws?token=a+b%2F"},
		{"wss://relay.example.com/ws", "wss://relay.example.com/ws?token=a+b%2F"},
	}
	for _, tt := range tests {
		got, err := socketURL(tt.base, "a b/")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
