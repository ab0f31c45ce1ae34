package httpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/pushline/internal/platform/errors"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTimeout     = 10 * time.Minute
)

// LimitReason names the limit that rejected a stream.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type ConnectionLimitsConfig struct {
	MaxConnections      int64
	MaxConnectionsPerIP int
	ConnectRate         float64
	ConnectBurst        int
}

// ConnectionLimits guards the stream endpoints: a process-wide cap on open
// streams, a per-IP cap, and a per-IP rate of new streams.
type ConnectionLimits struct {
	clock clockwork.Clock

	open    atomic.Int64
	maxOpen int64

	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int

	rateMu    sync.Mutex
	buckets   map[string]*bucket
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(clock clockwork.Clock, cfg ConnectionLimitsConfig) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		maxOpen:   cfg.MaxConnections,
		perIP:     make(map[string]int),
		maxPerIP:  cfg.MaxConnectionsPerIP,
		buckets:   make(map[string]*bucket),
		rate:      rate.Limit(cfg.ConnectRate),
		burst:     cfg.ConnectBurst,
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// Acquire reserves a slot for ip. On success the caller must Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	if !l.acquireIP(ip) {
		l.open.Add(-1)
		return false, LimitReasonPerIP
	}

	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if n := l.perIP[ip]; n > 1 {
		l.perIP[ip] = n - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	l.open.Add(-1)
}

// Open returns the number of streams currently holding a slot.
func (l *ConnectionLimits) Open() int64 {
	return l.open.Load()
}

func (l *ConnectionLimits) OpenFor(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.open.Load()
		if current >= l.maxOpen {
			return false
		}
		if l.open.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) acquireIP(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perIP[ip] >= l.maxPerIP {
		return false
	}
	l.perIP[ip]++
	return true
}

func (l *ConnectionLimits) allowRate(ip string) bool {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-limiterIdleTimeout)
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.cleanupAt = now.Add(limiterCleanupInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *ConnectionLimits) trackedIPs() int {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()
	return len(l.buckets)
}

func (s *Server) connectionLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			ok, reason := s.limits.Acquire(ip)
			if !ok {
				s.metrics.ConnectionsLimited.WithLabelValues(string(reason)).Inc()
				return HandleError(c, apperrors.LimitedError("connection limit exceeded").
					WithField("reason", string(reason)).
					WithField("client_ip", ip))
			}
			defer s.limits.Release(ip)

			return next(c)
		}
	}
}
