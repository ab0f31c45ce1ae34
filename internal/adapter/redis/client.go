package redis

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and verifies the connection with a ping.
func NewClient(ctx context.Context, redisURL string, m *metrics.Push) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(m, clockwork.NewRealClock()))
	rdb.AddHook(NewCircuitBreakerHook(m))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}
