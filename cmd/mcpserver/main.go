// Command mcpserver is the server's process entry point: it resolves
// configuration, wires the registry/session/engine/orchestrator/dispatcher
// stack, starts the configured transports, and waits for either a
// transport failure or an OS shutdown signal.
//
// Grounded on the teacher's cmd/agently entry point
// (_examples/viant-agently/cmd/agently/cli.go and serve.go): a thin main
// that builds one parsed config, logs startup, and hands off to a
// long-running server loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mcpforge/coreserver/internal/auth"
	"github.com/mcpforge/coreserver/internal/config"
	"github.com/mcpforge/coreserver/internal/demo"
	"github.com/mcpforge/coreserver/internal/dispatcher"
	"github.com/mcpforge/coreserver/internal/invocation"
	"github.com/mcpforge/coreserver/internal/notify"
	"github.com/mcpforge/coreserver/internal/obslog"
	"github.com/mcpforge/coreserver/internal/ratelimit"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/mcpforge/coreserver/internal/transport/httpsse"
	"github.com/mcpforge/coreserver/internal/transport/stdio"
	"github.com/mcpforge/coreserver/internal/workflow"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfig        = 2
	exitBindFailure   = 64
	exitInternalFatal = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log := obslog.New(obslog.ParseLevel(cfg.LogLevel), os.Stdout)
	log.WithFields(logrus.Fields{
		"transport": cfg.Transport,
		"host":      cfg.Host,
		"port":      cfg.Port,
	}).Info("starting mcpserver")

	reg := registry.New()
	if err := demo.Register(reg); err != nil {
		log.WithError(err).Error("failed to register demo primitives")
		return exitInternalFatal
	}

	sessOpts := []session.Option{}
	switch cfg.SessionBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sessOpts = append(sessOpts, session.WithBackend(session.NewRedisKVStore(client)))
	case "memory":
		// no backend: the session store stays purely in-memory.
	}
	sessions := session.New(cfg.SessionTTL, sessOpts...)
	sessions.StartReaper()

	engine := invocation.New(reg, invocation.Config{
		DefaultTimeout: cfg.InvocationTimeout,
		PerSessionCap:  cfg.MaxInflightSession,
		GlobalCap:      cfg.MaxInflightGlobal,
		Logger:         log,
	})
	orch := workflow.New(engine)

	var verifier auth.Verifier = auth.Anonymous{}
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	var broker notify.Broker = notify.NoopBroker{}
	if cfg.NATSURL != "" {
		b, err := notify.DialNATS(cfg.NATSURL)
		if err != nil {
			log.WithError(err).Error("failed to connect to NATS")
			return exitInternalFatal
		}
		defer b.Close()
		if err := b.Subscribe(func(invocationID string) { engine.Cancel(invocationID) }); err != nil {
			log.WithError(err).Error("failed to subscribe to cancel fan-out")
			return exitInternalFatal
		}
		broker = b
	}

	limiter := ratelimit.New(cfg.RateLimitPerMinute)

	disp := dispatcher.New(dispatcher.Config{
		Registry:     reg,
		Sessions:     sessions,
		Engine:       engine,
		Orchestrator: orch,
		Verifier:     verifier,
		Limiter:      limiter,
		Broker:       broker,
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	var httpSrv *http.Server

	startHTTP := cfg.Transport == "http" || cfg.Transport == "both"
	startStdio := cfg.Transport == "stdio" || cfg.Transport == "both"

	if startHTTP {
		sseSrv := httpsse.New(disp, reg, sessions, verifier, log)
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           sseSrv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithField("addr", httpSrv.Addr).Info("http+sse transport listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http transport: %w", err)
			}
		}()
	}

	if startStdio {
		stdioSrv := stdio.New(disp, log)
		go func() {
			log.Info("stdio transport attached")
			if err := stdioSrv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("transport failed")
		return exitBindFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("error during http shutdown")
		}
	}
	sessions.StopReaper()
	log.Info("shutdown complete")
	return exitOK
}
