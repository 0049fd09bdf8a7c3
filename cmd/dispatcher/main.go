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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wapipe/internal/awsutil"
	"wapipe/internal/cache"
	"wapipe/internal/channels"
	"wapipe/internal/collab"
	"wapipe/internal/config"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/httpserver"
	"wapipe/internal/logging"
	"wapipe/internal/observability"
	"wapipe/internal/outbound"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	sqsqueue "wapipe/internal/queue/sqs"
	"wapipe/internal/store/pg"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueURL, ok := cfg.TopicQueueURLs[domain.OutboundTopic]
	if !ok {
		slog.Error("no queue bound to outbound topic", "topic", domain.OutboundTopic)
		os.Exit(1)
	}

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		ApplicationName:   "wapipe-dispatcher",
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		StatementTimeout:  cfg.DBStatementTimeout,
	})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := queueReachable(startupCtx, sqsClient, queueURL); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)
	obs := observability.Prometheus{}

	fast := cache.Open(cfg.RedisURL, cfg.RedisMaxActive)
	conversations := collab.New(cfg.CollabURL, cfg.CollabToken, cfg.CollabTimeout)

	dispatcher := &outbound.Dispatcher{
		Providers: providers.NewRegistry(meta.New(), gupshup.New()),
		Correlation: correlation.NewStore(fast, pg.New(db), correlation.Options{
			TTL:     cfg.CorrelationTTL,
			ReadTTL: cfg.CorrelationReadTTL,
		}),
		Channels:      channels.NewCached(conversations, cfg.ChannelCacheTTL),
		Client:        &http.Client{},
		Timeout:       cfg.SendTimeout,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.SendRPSPerPod), cfg.SendBurst),
		Conversations: conversations,
		Obs:           obs,
		BreakerSettings: gobreaker.Settings{
			MaxRequests: cfg.BreakerHalfOpen,
			Timeout:     cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.BreakerFailures },
		},
	}

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          queueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness)
	checks := []httpserver.ReadyzCheck{
		{Name: "postgres", Check: func(c context.Context) error { return db.Ping(c) }},
		{Name: "sqs", Check: func(c context.Context) error { return queueReachable(c, sqsClient, queueURL) }},
	}
	if r, ok := fast.(*cache.Redis); ok {
		checks = append(checks, httpserver.ReadyzCheck{Name: "redis", Check: r.Ping})
	}
	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.NewMetricsMux()}

	serveErrCh := make(chan error, 2)
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		serveErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		serveErrCh <- metricsSrv.ListenAndServe()
	}()

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher starting poll", "queue_url", queueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, sqsqueue.Typed(func(ctx context.Context, job domain.OutboundJob) (err error) {
			start := time.Now()
			slog.Info("dispatch job start", "activity_id", job.Activity.ID, "channel_token", job.ChannelToken)
			defer func() {
				if err != nil {
					slog.Info("dispatch job finish",
						"activity_id", job.Activity.ID,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
				} else {
					slog.Info("dispatch job finish",
						"activity_id", job.Activity.ID,
						"status", "ok",
						"duration", time.Since(start),
					)
				}
			}()
			err = dispatcher.HandleJob(ctx, job)
			return err
		}))
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dispatcher http server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for poll loop")
	}
}

func queueReachable(ctx context.Context, c *sqs.Client, url string) error {
	_, err := c.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &url,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}
