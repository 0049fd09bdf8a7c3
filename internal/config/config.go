package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Common holds keys every binary reads.
type Common struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
	DBStatementTimeout      time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"10s"`

	// AWS / SQS
	AWSRegion          string            `envconfig:"AWS_REGION" required:"true"`
	LocalstackEndpoint string            `envconfig:"LOCALSTACK_ENDPOINT"`
	TopicQueueURLs     map[string]string `envconfig:"TOPIC_QUEUE_URLS" required:"true"` // topic:url,topic:url
	GroupBuckets       int               `envconfig:"SQS_GROUP_BUCKETS" default:"1024"`

	// Channel configs are served by the conversation service.
	CollabURL       string        `envconfig:"COLLAB_URL" required:"true"`
	CollabToken     string        `envconfig:"COLLAB_TOKEN"`
	CollabTimeout   time.Duration `envconfig:"COLLAB_TIMEOUT" default:"5s"`
	ChannelCacheTTL time.Duration `envconfig:"CHANNEL_CACHE_TTL" default:"60s"`
}

// Consumer holds SQS polling knobs.
type Consumer struct {
	SQSWaitTime       int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs        int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout     int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency int   `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

// Correlation holds the two-tier correlation store knobs.
type Correlation struct {
	// Empty REDIS_URL keeps the fast tier in process.
	RedisURL              string        `envconfig:"REDIS_URL"`
	RedisMaxActive        int           `envconfig:"REDIS_MAX_ACTIVE" default:"50"`
	CorrelationTTL        time.Duration `envconfig:"CORRELATION_TTL" default:"24h"`
	CorrelationReadTTL    time.Duration `envconfig:"CORRELATION_READ_TTL" default:"100s"`
	CorrelationRetryDelay time.Duration `envconfig:"CORRELATION_RETRY_DELAY" default:"500ms"`
}

type WebhookConfig struct {
	Common
	Correlation

	MaxBodyBytes int64 `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	// Raw payloads above this size are not carried on the broker message.
	MaxRawBytes int `envconfig:"WEBHOOK_MAX_RAW_BYTES" default:"32768"`
}

type ProcessorConfig struct {
	Common
	Consumer
	Correlation

	ArrivalWindow     time.Duration `envconfig:"ARRIVAL_WINDOW" default:"10s"`
	ArrivalStep       time.Duration `envconfig:"ARRIVAL_STEP" default:"700ms"`
	ArrivalMaxDelay   time.Duration `envconfig:"ARRIVAL_MAX_DELAY" default:"5s"`
	InboundStaleAfter time.Duration `envconfig:"INBOUND_STALE_AFTER" default:"5m"`
	BillingDedupeTTL  time.Duration `envconfig:"BILLING_DEDUPE_TTL" default:"48h"`

	MediaTimeout    time.Duration `envconfig:"MEDIA_TIMEOUT" default:"30s"`
	MediaMaxRetries int           `envconfig:"MEDIA_MAX_RETRIES" default:"2"`
	MediaBucket     string        `envconfig:"MEDIA_BUCKET" required:"true"`
	MediaPrefix     string        `envconfig:"MEDIA_PREFIX" default:"inbound"`
	MediaPublicURL  string        `envconfig:"MEDIA_PUBLIC_URL"`
}

type DispatcherConfig struct {
	Common
	Consumer
	Correlation

	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"6s"`
	SendRPSPerPod   float64       `envconfig:"SEND_RPS_PER_POD" default:"20"`
	SendBurst       int           `envconfig:"SEND_BURST" default:"40"`
	BreakerFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	BreakerOpenFor  time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"20s"`
	BreakerHalfOpen uint32        `envconfig:"BREAKER_HALF_OPEN_REQUESTS" default:"3"`
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadProcessor() ProcessorConfig {
	var cfg ProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
