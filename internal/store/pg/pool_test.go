package pg

import (
	"testing"
	"time"
)

func TestPoolConfigAppliesOptions(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@localhost:5432/wapipe?sslmode=disable", PoolOptions{
		ApplicationName:   "wapipe-processor",
		MaxConns:          8,
		MinConns:          2,
		MaxConnLifetime:   30 * time.Minute,
		HealthCheckPeriod: 15 * time.Second,
		StatementTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaxConns != 8 || cfg.MinConns != 2 {
		t.Fatalf("unexpected conns max=%d min=%d", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.MaxConnLifetime != 30*time.Minute || cfg.HealthCheckPeriod != 15*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.MaxConnLifetime, cfg.HealthCheckPeriod)
	}
	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] != "wapipe-processor" || params["statement_timeout"] != "5s" {
		t.Fatalf("unexpected runtime params %v", params)
	}
}

func TestPoolConfigKeepsDefaults(t *testing.T) {
	cfg, err := poolConfig("postgres://localhost/wapipe?pool_max_conns=3", PoolOptions{MinConns: 9})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaxConns != 3 {
		t.Fatalf("dsn pool size must survive zero options, got %d", cfg.MaxConns)
	}
	if cfg.MinConns != 0 {
		t.Fatalf("min above max must be ignored, got %d", cfg.MinConns)
	}
}

func TestPoolConfigBadDSN(t *testing.T) {
	if _, err := poolConfig("postgres://%zz", PoolOptions{}); err == nil {
		t.Fatalf("expected parse error")
	}
}
