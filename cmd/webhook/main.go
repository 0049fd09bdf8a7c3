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

	"github.com/prometheus/client_golang/prometheus"

	"wapipe/internal/awsutil"
	"wapipe/internal/cache"
	"wapipe/internal/channels"
	"wapipe/internal/collab"
	"wapipe/internal/config"
	"wapipe/internal/correlation"
	"wapipe/internal/httpserver"
	"wapipe/internal/logging"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	sqsqueue "wapipe/internal/queue/sqs"
	"wapipe/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		ApplicationName:   "wapipe-webhook",
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		StatementTimeout:  cfg.DBStatementTimeout,
	})
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook sqs client init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)
	obs := observability.Prometheus{}

	producer := &sqsqueue.Producer{
		SQS:          sqsClient,
		QueueURLs:    cfg.TopicQueueURLs,
		GroupBuckets: cfg.GroupBuckets,
	}
	fast := cache.Open(cfg.RedisURL, cfg.RedisMaxActive)
	conversations := collab.New(cfg.CollabURL, cfg.CollabToken, cfg.CollabTimeout)

	s := httpserver.New()
	(&httpserver.Webhook{
		Providers:    providers.NewRegistry(meta.New(), gupshup.New()),
		Channels:     channels.NewCached(conversations, cfg.ChannelCacheTTL),
		Queue:        producer,
		Obs:          obs,
		MaxBodyBytes: cfg.MaxBodyBytes,
		MaxRawBytes:  cfg.MaxRawBytes,
	}).Register(s.Mux)
	(&httpserver.API{
		Queue: producer,
		Correlations: &correlation.Resolver{
			Store: correlation.NewStore(fast, pg.New(db), correlation.Options{
				TTL:     cfg.CorrelationTTL,
				ReadTTL: cfg.CorrelationReadTTL,
			}),
			RetryDelay: cfg.CorrelationRetryDelay,
			Obs:        obs,
		},
	}).Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	checks := []httpserver.ReadyzCheck{
		{Name: "postgres", Check: func(c context.Context) error { return db.Ping(c) }},
	}
	if r, ok := fast.(*cache.Redis); ok {
		checks = append(checks, httpserver.ReadyzCheck{Name: "redis", Check: r.Ping})
	}
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Handler(),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.NewMetricsMux()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook metrics server failed", "err", err)
		}
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
	db.Close()
}
