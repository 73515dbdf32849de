package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// Config holds integration test configuration from environment
type Config struct {
	RedisURL    string // a real Redis; empty runs an in-process miniredis
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		RedisURL:    os.Getenv("MOSAIC_TEST_REDIS_URL"),
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// SkipIfSlow skips tests that wait out timeouts when SKIP_SLOW_TESTS=1.
func SkipIfSlow(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.SkipSlow {
		t.Skip("Skipping slow integration test")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// RedisURL returns the configured Redis, or starts a miniredis for the test.
func RedisURL(t *testing.T, cfg *Config) string {
	t.Helper()
	if cfg.RedisURL != "" {
		return cfg.RedisURL
	}
	return "redis://" + miniredis.RunT(t).Addr()
}
