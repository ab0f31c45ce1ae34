package redis

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// MetricsHook counts every command and records its latency. redis.Nil is a
// normal miss and counts as success.
type MetricsHook struct {
	metrics *metrics.Push
	clock   clockwork.Clock
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(m *metrics.Push, clock clockwork.Clock) *MetricsHook {
	return &MetricsHook{metrics: m, clock: clock}
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.metrics.RedisDialErrors.Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := h.clock.Now()
		err := next(ctx, cmd)
		h.observe(strings.ToLower(cmd.Name()), start, err)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := h.clock.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *MetricsHook) observe(command string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, goredis.Nil) {
		status = "error"
	}
	h.metrics.RedisOps.WithLabelValues(command, status).Inc()
	h.metrics.RedisOpDuration.WithLabelValues(command).Observe(h.clock.Since(start).Seconds())
}
