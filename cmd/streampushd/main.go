// Command streampushd serves push streams over HTTP.
//
// Configuration is read from the environment; see daemonConfig and
// endpoint.Config for the variables and their defaults.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/streampush/broker"
	"github.com/ggoodman/streampush/endpoint"
	"github.com/ggoodman/streampush/streaminghttp"
	"github.com/ggoodman/streampush/useragent"
	"github.com/hashicorp/go-connlimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("streampushd.exit.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))
	slog.SetDefault(log)

	epCfg, err := endpoint.ConfigFromEnv()
	if err != nil {
		return err
	}

	agents := useragent.NewTable()
	if cfg.UserAgents != "" {
		if err := useragent.Watch(ctx, cfg.UserAgents, agents, log); err != nil {
			return err
		}
	}

	authenticator, err := cfg.authenticator(ctx)
	if err != nil {
		return err
	}

	b, err := cfg.broker(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	ep := endpoint.New(epCfg, endpoint.WithLogger(log), endpoint.WithUserAgents(agents))

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithBroker(b),
		streaminghttp.WithWriteTimeout(cfg.WriteTimeout),
	}
	if authenticator != nil {
		opts = append(opts, streaminghttp.WithAuthenticator(authenticator))
	}
	h, err := streaminghttp.New(cfg.PublicURL, ep, opts...)
	if err != nil {
		return err
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	relayDone := make(chan error, 1)
	go func() { relayDone <- h.Relay(relayCtx) }()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h}
	if cfg.MaxConnsPerIP > 0 {
		limiter := connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: cfg.MaxConnsPerIP})
		srv.ConnState = limiter.HTTPConnStateFuncWithDefault429Handler(10 * time.Millisecond)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ListenAndServe() }()

	log.InfoContext(ctx, "streampushd.start",
		slog.String("addr", cfg.ListenAddr),
		slog.String("public_url", cfg.PublicURL),
		slog.String("broker", cfg.Broker),
		slog.Bool("auth", authenticator != nil),
		slog.Int("max_streams", epCfg.MaxStreamsPerEndpoint),
		slog.Int("max_conns_per_ip", cfg.MaxConnsPerIP),
		slog.Int("user_agents", len(agents.Entries())),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case err := <-relayDone:
		if !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Held streams never go idle on their own, so release them before
	// waiting for the server to drain.
	ep.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(shutdownCtx, "streampushd.shutdown.fail", slog.String("err", err.Error()))
	}
	log.InfoContext(shutdownCtx, "streampushd.stop")
	return runErr
}
