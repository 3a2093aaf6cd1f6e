package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clawremote/internal/adapter/relay"
	"clawremote/internal/adapter/relayhttp"
	"clawremote/internal/adapter/storage"
	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
	"clawremote/internal/infra/logger"
	"clawremote/internal/usecase/correlator"
	"clawremote/internal/usecase/eventbus"
	"clawremote/internal/usecase/logmux"
	"clawremote/internal/usecase/offlinecache"
	"clawremote/internal/usecase/pendinganswers"
	"clawremote/internal/usecase/questions"
	"clawremote/internal/usecase/remote"
	"clawremote/internal/usecase/statestore"
)

// senderFunc adapts a function to domain.CommandSender. The composition root
// uses it to hand the socket to components built before the Manager.
type senderFunc func(ctx context.Context, cmd domain.Command) error

func (f senderFunc) Send(ctx context.Context, cmd domain.Command) error { return f(ctx, cmd) }

// app owns every long-lived component of one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	store   storage.Store
	tokens  *relayhttp.TokenManager
	state   *statestore.Store
	queue   *pendinganswers.Queue
	tracker *questions.Tracker
	logs    *logmux.Mux
	cache   *offlinecache.Cache
	mgr     *relay.Manager
	cmds    *remote.Commands

	unobserve func()
	stop      context.CancelFunc
	runDone   chan error
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg.Storage, logger.Component(log, "storage"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: store}
	a.bus = eventbus.New(logger.Component(log, "eventbus"))

	// The manager is built last; everything before it reaches the socket
	// through this indirection.
	socket := senderFunc(func(ctx context.Context, cmd domain.Command) error {
		return a.mgr.Send(ctx, cmd)
	})

	httpClient := relayhttp.NewClient(cfg.Relay.HTTPURL, cfg.SideChannel, logger.Component(log, "relayhttp"))
	a.tokens = relayhttp.NewTokenManager(store, httpClient, cfg.Auth, logger.Component(log, "tokens"))
	if err := a.tokens.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("tokens: %w", err)
	}
	side := httpClient.WithTokens(a.tokens)

	a.state = statestore.New(a.bus, logger.Component(log, "state"))

	a.queue = pendinganswers.New(store, a.bus, logger.Component(log, "pending"))
	if err := a.queue.Load(ctx); err != nil {
		log.Warn("pending answers unavailable", "error", err)
	}

	deliverer := questions.NewDeliverer(socket, side, a.queue, logger.Component(log, "deliver"))
	a.tracker = questions.NewTracker(deliverer, socket, store, a.state, a.bus, logger.Component(log, "questions"),
		questions.WithGrace(cfg.Questions.DismissGrace))
	if err := a.tracker.LoadPolicy(ctx); err != nil {
		log.Warn("auto-accept policy unavailable", "error", err)
	}

	a.logs = logmux.New(socket, cfg.Logs.TailBytes, logger.Component(log, "logs"))

	a.cache = offlinecache.New(store, a.state, a.tracker, cfg.Cache.Debounce, logger.Component(log, "cache"))
	if _, err := a.cache.Hydrate(ctx); err != nil {
		log.Warn("offline cache unavailable", "error", err)
	}
	a.unobserve = a.cache.Observe(a.bus)

	corr := correlator.New()
	dispatcher := relay.NewDispatcher(corr, a.state, a.tracker, a.logs, a.bus, logger.Component(log, "dispatch"))
	a.mgr = relay.NewManager(cfg.Relay, a.tokens, side, dispatcher, corr, a.queue, a.bus, logger.Component(log, "relay"))
	a.mgr.OnOpen(a.logs.Resubscribe)
	a.mgr.OnOpen(a.tracker.MirrorPolicy)

	a.cmds = remote.New(a.mgr, corr, cfg.Relay.RequestTimeout, logger.Component(log, "commands"))
	return a, nil
}

// start runs the connection in the background until ctx is done.
func (a *app) start(ctx context.Context) {
	ctx, a.stop = context.WithCancel(ctx)
	a.runDone = make(chan error, 1)
	go func() { a.runDone <- a.mgr.Run(ctx) }()
}

// connect starts the connection and waits until it is open. A suspended
// state fails fast with the matching sentinel.
func (a *app) connect(ctx context.Context, timeout time.Duration) error {
	if a.runDone == nil {
		a.start(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch st := a.mgr.State(); st {
		case domain.StateConnected:
			return nil
		case domain.StateSubscriptionRequired:
			return domain.ErrSubscriptionRequired
		case domain.StateLoggedOut:
			return domain.ErrLoggedOut
		}
		select {
		case <-ctx.Done():
			return domain.NewDomainError("connect", domain.ErrNotConnected, "relay did not open in "+timeout.String())
		case <-ticker.C:
		}
	}
}

// connectTimeout bounds the initial connection for one-shot commands.
func (a *app) connectTimeout() time.Duration {
	return a.cfg.Relay.DialTimeout + a.cfg.Relay.RequestTimeout
}

// waitFor polls cond until it holds or the request timeout passes.
func (a *app) waitFor(ctx context.Context, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Relay.RequestTimeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// Close stops the connection, flushes the cache and releases storage.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.stop != nil {
		a.stop()
		select {
		case <-a.runDone:
		case <-ctx.Done():
		}
	}
	if a.unobserve != nil {
		a.unobserve()
	}
	if err := a.cache.Flush(ctx); err != nil {
		a.log.Warn("cache flush failed", "error", err)
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", "error", err)
	}
}
