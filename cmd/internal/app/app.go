// Package app wires the gateway runtime: config, logging, the auth store, the
// bus adapter, the protocol bridge, the session orchestrator and the HTTP
// listeners.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"watink/cmd/internal/bus"
	"watink/cmd/internal/protocol/wsbridge"
	"watink/cmd/internal/session"
	v1 "watink/shared/contracts/bus/v1"
)

// App is the gateway runtime.
type App struct {
	cfg Config
	log Logger

	auth     *authBackend
	bus      *bus.Client
	sessions *session.Manager
}

// New constructs a fully wired App. Nothing dials the broker or the bridge yet;
// only the auth store backend is opened.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	auth, err := openAuthBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bridge, err := wsbridge.New(wsbridge.Config{
		URL:         cfg.BridgeURL,
		CallTimeout: cfg.BridgeCallTimeout,
		Browser:     cfg.Browser,
		Log:         log,
	})
	if err != nil {
		auth.close()
		return nil, err
	}

	busClient := bus.New(bus.Config{
		URL:             cfg.AMQPURL,
		Namespace:       cfg.BusNamespace,
		CommandExchange: cfg.BusCommandExchange,
		EventExchange:   cfg.BusEventExchange,
		CommandQueue:    cfg.BusCommandQueue,
		Prefetch:        cfg.BusPrefetch,
		ReconnectDelay:  cfg.BusReconnectDelay,
		Log:             log,
	})

	mgr, err := session.New(session.Config{
		Namespace:         busClient.Namespace(),
		KeepAlive:         cfg.SessionKeepAlive,
		ForceRestartGrace: cfg.ForceRestartGrace,
		SendRateEvents:    cfg.SendRateEvents,
		SendRateWindow:    cfg.SendRateWindow,
		Browser:           cfg.Browser,
	}, session.Deps{
		Factory:   bridge,
		Store:     auth.store,
		Publisher: busClient,
		Log:       log,
	})
	if err != nil {
		auth.close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		auth:     auth,
		bus:      busClient,
		sessions: mgr,
	}, nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts down in
// order: stop consuming, end sockets, close the broker, close the store.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	info := CurrentBuild(a.cfg.ServiceName)
	g.Go(func() error {
		return a.serve(gctx, "liveness", a.newServer(a.cfg.HTTPAddr, newLivenessHandler(info, a.log)))
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return a.serve(gctx, "metrics", a.newServer(a.cfg.MetricsAddr, newMetricsHandler()))
		})
	}

	g.Go(func() error {
		err := a.bus.Connect(gctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.bus.ConsumeCommands(gctx, a.handleCommand)
	})
	g.Go(func() error {
		return a.auth.purgeLoop(gctx, a.log)
	})

	a.log.Info("gateway.start",
		"service", info.Service,
		"version", info.Version,
		"addr", a.cfg.HTTPAddr,
		"metrics_addr", a.cfg.MetricsAddr,
		"auth_backend", a.auth.kind,
	)

	err := g.Wait()
	a.shutdown()
	return err
}

// handleCommand hands a command to the orchestrator. Commands refused because
// the orchestrator is stopping go back on the queue for the next instance.
func (a *App) handleCommand(ctx context.Context, env v1.Envelope) error {
	err := a.sessions.Handle(ctx, env)
	if errors.Is(err, session.ErrShuttingDown) {
		return bus.Requeue(err)
	}
	return err
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 15*time.Second))
	defer cancel()

	if err := a.sessions.Shutdown(ctx); err != nil {
		a.log.Error("session.shutdown.fail", "err", err)
	}
	if err := a.bus.Close(); err != nil {
		a.log.Warn("bus.close.fail", "err", err)
	}
	a.auth.close()

	a.log.Info("gateway.stopped")
}

func (a *App) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
}

// serve runs srv until ctx ends, then drains it.
func (a *App) serve(ctx context.Context, name string, srv *http.Server) error {
	a.log.Info("server.start", "server", name, "addr", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.log.Error("server.fail", "server", name, "err", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "server", name, "err", err)
		return err
	}
	a.log.Info("server.stopped", "server", name)
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
