package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/metrics"
)

// QueryTracer records latency and failures of audit queries, labelled by the
// statement keyword to keep cardinality low.
type QueryTracer struct {
	metrics *metrics.Push
	clock   clockwork.Clock
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

func NewQueryTracer(m *metrics.Push, clock clockwork.Clock) *QueryTracer {
	return &QueryTracer{metrics: m, clock: clock}
}

type queryStartKey struct{}

type queryStart struct {
	at        time.Time
	statement string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: t.clock.Now(), statement: statementKind(data.SQL)})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}

	t.metrics.DBQueryDuration.WithLabelValues(qs.statement).Observe(t.clock.Since(qs.at).Seconds())
	if data.Err != nil {
		t.metrics.DBErrors.WithLabelValues(qs.statement).Inc()
	}
}

// statementKind returns the leading SQL keyword in lower case.
func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
