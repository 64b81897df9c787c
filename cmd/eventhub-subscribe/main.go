// Command eventhub-subscribe is a demo subscriber: it registers a single
// Programmatic callback that logs every event it receives, exposes
// /healthz and /metrics, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghuser/eventhub/pkg/config"
	"github.com/ghuser/eventhub/pkg/eventhub"
	"github.com/ghuser/eventhub/pkg/httpx"
	"github.com/ghuser/eventhub/pkg/logger"
	"github.com/ghuser/eventhub/pkg/telemetry"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: eventhub-subscribe <subscriber> <publisher> <event_type>")
		os.Exit(2)
	}
	subscriberName, publisherName, eventTypeName := os.Args[1], os.Args[2], os.Args[3]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := config.ValidateForProduction(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Error("sentry setup", "error", err)
	}
	defer telemetry.SentryFlush()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("telemetry setup", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Error("telemetry shutdown", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	active := eventhub.NewActiveConn(pool)
	store := eventhub.NewPostgresStore(pool)
	registry := eventhub.NewRegistry()

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		log.Error("invalid time zone", "error", err)
		os.Exit(1)
	}
	clock := eventhub.NewClock(loc)

	sub, err := eventhub.NewSubscriber(ctx, subscriberName, store, active, cfg.DatabaseURL, log.ToSlog(), clock, registry, eventhub.SubscriberOptions{
		Category:             eventhub.CategoryProgrammatic,
		SelectTimeout:        cfg.SelectTimeout,
		ProcessMissedEvents:  cfg.ProcessMissedEvents,
		ProcessingTimeout:    cfg.ProcessingTimeout,
		ReprocessingInterval: cfg.ReprocessingInterval,
	})
	if err != nil {
		log.Error("construct subscriber", "error", err)
		os.Exit(1)
	}

	loggingCallback := func(_ context.Context, ev eventhub.Event) (string, error) {
		log.Info("received event", "event_id", ev.ID, "payload", string(ev.Payload))
		return "logged", nil
	}
	if _, _, err := sub.Subscribe(ctx, publisherName, eventTypeName, loggingCallback); err != nil {
		log.Error("subscribe", "error", err)
		os.Exit(1)
	}
	if err := sub.Start(ctx); err != nil {
		log.Error("start subscriber", "error", err)
		os.Exit(1)
	}

	router := httpx.NewRouter(httpx.ServerConfig{ServiceName: cfg.ServiceName}, logger.Middleware(log), logger.Recovery(log))
	router.Get("/healthz", httpx.HealthHandler(httpx.HealthChecks{Database: active, Listener: unwrapListener(sub)}))
	router.Handle("/metrics", metricsHandler)
	server := httpx.NewServer(":8080", router)

	go func() {
		log.Info("ops server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown", "error", err)
	}
	sub.Shutdown(false)
}

// unwrapListener exposes the subscriber's Listener as an httpx.HealthChecker
// without making Subscriber itself satisfy the interface. Before Start, and
// while the Listener has no open connection, PingListener returns an error
// and /healthz reports the listener as unreachable (degraded).
func unwrapListener(sub *eventhub.Subscriber) httpx.HealthChecker {
	return listenerChecker{sub}
}

type listenerChecker struct{ sub *eventhub.Subscriber }

func (c listenerChecker) Ping(ctx context.Context) error {
	return c.sub.PingListener(ctx)
}
