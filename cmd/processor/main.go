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

	"wapipe/internal/ack"
	"wapipe/internal/awsutil"
	"wapipe/internal/blob"
	"wapipe/internal/cache"
	"wapipe/internal/channels"
	"wapipe/internal/collab"
	"wapipe/internal/config"
	"wapipe/internal/correlation"
	"wapipe/internal/domain"
	"wapipe/internal/httpserver"
	"wapipe/internal/inbound"
	"wapipe/internal/logging"
	"wapipe/internal/media"
	"wapipe/internal/observability"
	"wapipe/internal/providers"
	"wapipe/internal/providers/gupshup"
	"wapipe/internal/providers/meta"
	sqsqueue "wapipe/internal/queue/sqs"
	"wapipe/internal/sequencer"
	"wapipe/internal/sinks"
	"wapipe/internal/store/pg"
)

var inboundKinds = []domain.EventKind{domain.KindMessage, domain.KindStatus, domain.KindError, domain.KindTemplate}

func main() {
	cfg := config.LoadProcessor()
	logging.Init("processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		ApplicationName:   "wapipe-processor",
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		StatementTimeout:  cfg.DBStatementTimeout,
	})
	if err != nil {
		slog.Error("processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	durable := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("processor sqs client init failed", "err", err)
		os.Exit(1)
	}
	s3Client, err := awsutil.NewS3Client(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("processor s3 client init failed", "err", err)
		os.Exit(1)
	}

	registry := providers.NewRegistry(meta.New(), gupshup.New())

	// One consumer per distinct queue; several topics may share a queue.
	queueURLs := map[string]bool{}
	for p := range registry {
		for _, k := range inboundKinds {
			topic := domain.Topic(p, k)
			url, ok := cfg.TopicQueueURLs[topic]
			if !ok {
				slog.Warn("no queue bound to inbound topic", "topic", topic)
				continue
			}
			queueURLs[url] = true
		}
	}
	if len(queueURLs) == 0 {
		slog.Error("processor has no inbound queues configured")
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	for url := range queueURLs {
		if err := queueReachable(startupCtx, sqsClient, url); err != nil {
			slog.Error("sqs not reachable", "err", err, "queue_url", url)
			os.Exit(1)
		}
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)
	obs := observability.Prometheus{}

	fast := cache.Open(cfg.RedisURL, cfg.RedisMaxActive)
	corrStore := correlation.NewStore(fast, durable, correlation.Options{
		TTL:     cfg.CorrelationTTL,
		ReadTTL: cfg.CorrelationReadTTL,
	})
	resolver := &correlation.Resolver{Store: corrStore, RetryDelay: cfg.CorrelationRetryDelay, Obs: obs}

	conversations := collab.New(cfg.CollabURL, cfg.CollabToken, cfg.CollabTimeout)
	channelCfgs := channels.NewCached(conversations, cfg.ChannelCacheTTL)
	broker := &sinks.Broker{Queue: &sqsqueue.Producer{
		SQS:          sqsClient,
		QueueURLs:    cfg.TopicQueueURLs,
		GroupBuckets: cfg.GroupBuckets,
	}}

	pipeline := &inbound.Pipeline{
		Providers:     registry,
		Channels:      channelCfgs,
		Gate:          &inbound.Gate{Claims: durable, StaleAfter: cfg.InboundStaleAfter, Obs: obs},
		Sequencer:     sequencer.New(fast, cfg.ArrivalWindow, cfg.ArrivalStep, cfg.ArrivalMaxDelay),
		Resolver:      &inbound.ConversationResolver{Conversations: conversations},
		Correlation:   resolver,
		Media:         media.NewFetcher(cfg.MediaTimeout, cfg.MediaMaxRetries),
		Uploader:      &blob.S3Uploader{S3: s3Client, Bucket: cfg.MediaBucket, Prefix: cfg.MediaPrefix, PublicBaseURL: cfg.MediaPublicURL},
		Activities:    conversations,
		Conversations: conversations,
		Obs:           obs,
	}
	acks := &ack.Processor{
		Resolver:      resolver,
		Providers:     registry,
		Ledger:        durable,
		Audit:         durable,
		Sink:          broker,
		Conversations: conversations,
		Billing:       &ack.Billing{Dedupe: fast, TTL: cfg.BillingDedupeTTL, Sink: broker, Obs: obs},
		Obs:           obs,
	}
	router := &inbound.Router{Messages: pipeline, Statuses: acks, Templates: broker, Obs: obs}

	// health server (liveness + readiness)
	checks := []httpserver.ReadyzCheck{
		{Name: "postgres", Check: func(c context.Context) error { return db.Ping(c) }},
	}
	if r, ok := fast.(*cache.Redis); ok {
		checks = append(checks, httpserver.ReadyzCheck{Name: "redis", Check: r.Ping})
	}
	for url := range queueURLs {
		checks = append(checks, httpserver.ReadyzCheck{
			Name:  "sqs:" + url,
			Check: func(c context.Context) error { return queueReachable(c, sqsClient, url) },
		})
	}
	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.NewMetricsMux()}

	serveErrCh := make(chan error, 2)
	go func() {
		slog.Info("processor health listening", "port", cfg.Port)
		serveErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		serveErrCh <- metricsSrv.ListenAndServe()
	}()

	handler := sqsqueue.Typed(func(ctx context.Context, ev domain.IncomingEvent) error {
		start := time.Now()
		err := router.Handle(ctx, ev)
		obs.Observe("event_"+string(ev.Kind), time.Since(start).Seconds())
		return err
	})

	pollErrCh := make(chan error, len(queueURLs))
	for url := range queueURLs {
		url := url
		consumer := &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          url,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		go func() {
			slog.Info("processor starting poll", "queue_url", url)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, handler)
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("processor http server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	timeout := time.After(10 * time.Second)
	for range queueURLs {
		select {
		case <-pollErrCh:
		case <-timeout:
			slog.Info("processor shutdown timeout waiting for poll loops")
			return
		}
	}
}

func queueReachable(ctx context.Context, c *sqs.Client, url string) error {
	_, err := c.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &url,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}
