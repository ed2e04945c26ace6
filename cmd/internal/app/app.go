// Package app wires the Courier server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/httpapi"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the Courier server runtime.
type App struct {
	cfg Config
	log Logger

	promReg  *prometheus.Registry
	stores   *stores
	registry *realtime.Registry
	svc      *chat.Service
	ws       *realtime.WSGateway
	api      *httpapi.Handler

	handler http.Handler
}

// New opens the stores and wires every component. The caller owns the App
// and must call Run (which closes the stores) or Close.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Mode:               auth.Mode(cfg.AuthMode),
		Issuer:             cfg.AuthIssuer,
		PasetoPublicKeyHex: cfg.PasetoPublicKeyHex,
		JWTSecret:          cfg.JWTSecret,
		ClockSkew:          cfg.AuthClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := realtime.NewRegistry(st.dir, log, m)
	router := realtime.NewRouter(registry, log, m)

	svc := chat.NewService(chat.Config{
		MaxMessageChars: cfg.MaxMessageChars,
		Resolve: chat.ResolverConfig{
			Attempts: cfg.ResolveAttempts,
			Backoff:  cfg.ResolveBackoff,
		},
		UnreadCacheTTL: cfg.UnreadCacheTTL,
	}, chat.Deps{
		Directory: st.dir,
		Cache:     st.cache,
		Notifier:  router,
		Presence:  registry,
		Logger:    log,
		Metrics:   m,
	})

	ws := realtime.NewWSGateway(gatewayConfig(cfg), verifier, registry, svc, log, m)
	api := httpapi.NewHandler(log, httpapi.Config{MaxBodyBytes: cfg.MaxBodyBytes}, verifier, svc, m)

	a := &App{
		cfg:      cfg,
		log:      log,
		promReg:  promReg,
		stores:   st,
		registry: registry,
		svc:      svc,
		ws:       ws,
		api:      api,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, st, promReg, ws, api)
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))

	return a, nil
}

func gatewayConfig(cfg Config) realtime.GatewayConfig {
	return realtime.GatewayConfig{
		AllowedOrigins:    splitCSV(cfg.WSAllowedOrigins),
		OriginRequired:    cfg.WSOriginRequired,
		DevInsecure:       cfg.WSDevInsecure,
		AllowQueryToken:   cfg.WSAllowQueryToken,
		SendQueueSize:     cfg.WSSendQueue,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
		AuthTimeout:       cfg.AuthTimeout,
		CommandTimeout:    cfg.WSCommandTimeout,
	}
}

// Handler is the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Live sessions are closed before the listener drains.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.cfg.Store, "auth_mode", a.cfg.AuthMode)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	// Shutdown does not wait for hijacked WebSocket connections. Their
	// last-seen writes must land before the stores close.
	if err := a.ws.Drain(shutdownCtx); err != nil {
		a.log.Error("ws.drain.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	if err := a.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close releases storage resources.
func (a *App) Close() error {
	return a.stores.Close()
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
