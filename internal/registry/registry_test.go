package registry

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/domain/domaintest"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clockwork.FakeClock, *domaintest.RecordingSink, *metrics.Push) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	sink := &domaintest.RecordingSink{}
	m := metrics.NewNop()
	return New(clock, sink, m, opts), clock, sink, m
}

func conn(id, channel, chat, medium string) domain.Connection {
	return domain.Connection{ID: id, ChannelID: channel, ChatID: chat, MediumKey: medium}
}

func ids(r *Registry, pred func(domain.Connection) bool) []string {
	var out []string
	for e := range r.SelectBy(pred) {
		out = append(out, e.ID)
	}
	slices.Sort(out)
	return out
}

func TestRegister_AssignsIDAndTimestamps(t *testing.T) {
	r, _, sink, m := newTestRegistry(t, Options{TTL: 10 * time.Minute})

	stream, err := r.Register(domain.Connection{ChannelID: "c1", ChatID: "t1"})
	require.NoError(t, err)

	got := stream.Connection()
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, epoch, got.ConnectedAt)
	assert.Equal(t, epoch, got.LastActivityAt)
	assert.Equal(t, epoch.Add(10*time.Minute), got.TTLExpiresAt)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []domain.ConnectionEventKind{domain.ConnectionRegistered}, sink.Kinds(got.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestRegister_KeepsExplicitExpiry(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{})
	expiry := epoch.Add(5 * time.Second)

	c := conn("x", "c1", "t1", "")
	c.TTLExpiresAt = expiry
	stream, err := r.Register(c)
	require.NoError(t, err)

	assert.Equal(t, expiry, stream.Connection().TTLExpiresAt)
}

func TestRegister_RejectsMissingIdentity(t *testing.T) {
	r, _, sink, _ := newTestRegistry(t, Options{})

	_, err := r.Register(domain.Connection{ID: "x", ChannelID: "c1"})
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)

	_, err = r.Register(domain.Connection{ID: "y", ChatID: "t1"})
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, sink.ConnectionEvents())
}

func TestRegister_CopiesMetadata(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{})

	c := conn("x", "c1", "t1", "")
	c.Metadata = map[string]string{"agent": "a"}
	_, err := r.Register(c)
	require.NoError(t, err)

	c.Metadata["agent"] = "b"
	got, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "a", got.Metadata["agent"])
}

func TestRegister_ReplaceKeepsCountAndClosesOldStream(t *testing.T) {
	r, _, sink, m := newTestRegistry(t, Options{})

	first, err := r.Register(conn("x", "c1", "t1", "m1"))
	require.NoError(t, err)
	second, err := r.Register(conn("x", "c1", "t1", "m2"))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count())

	select {
	case <-first.Done():
	default:
		t.Fatal("replaced stream should be done")
	}

	got, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "m2", got.MediumKey)

	// Closing the stale stream must not remove the replacement.
	first.Close()
	assert.Equal(t, 1, r.Count())
	_, ok = r.Get("x")
	assert.True(t, ok)

	select {
	case <-second.Done():
		t.Fatal("current stream should still be open")
	default:
	}

	assert.Equal(t, []domain.ConnectionEventKind{
		domain.ConnectionRegistered,
		domain.ConnectionReplaced,
		domain.ConnectionRegistered,
	}, sink.Kinds("x"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Registrations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestDeregister_Idempotent(t *testing.T) {
	r, _, sink, _ := newTestRegistry(t, Options{})

	stream, err := r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	r.Deregister("x")
	r.Deregister("x")
	r.Deregister("never-registered")

	assert.Equal(t, 0, r.Count())
	_, ok := r.Get("x")
	assert.False(t, ok)
	assert.Equal(t, []domain.ConnectionEventKind{
		domain.ConnectionRegistered,
		domain.ConnectionDeregistered,
	}, sink.Kinds("x"))

	select {
	case <-stream.Done():
	default:
		t.Fatal("deregistered stream should be done")
	}
}

func TestEvict_IgnoresStaleEntry(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{})

	_, err := r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	var stale Entry
	for e := range r.SelectBy(nil) {
		stale = e
	}

	_, err = r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	assert.False(t, r.Evict(stale, domain.ConnectionFailed))
	assert.Equal(t, 1, r.Count())
}

func TestSelectBy_FiltersWithPredicate(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{Shards: 4})

	for _, c := range []domain.Connection{
		conn("a", "c1", "t1", "m1"),
		conn("b", "c1", "t1", "m2"),
		conn("c", "c1", "t2", "m1"),
		conn("d", "c2", "t1", "m1"),
	} {
		_, err := r.Register(c)
		require.NoError(t, err)
	}

	sel := domain.Selector{ChannelID: "c1", ChatID: "t1"}
	assert.Equal(t, []string{"a", "b"}, ids(r, sel.Matches))

	sel.MediumKey = "m2"
	assert.Equal(t, []string{"b"}, ids(r, sel.Matches))

	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(r, nil))
}

func TestSelectBy_StopsWhenConsumerBreaks(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{Shards: 1})
	for i := range 5 {
		_, err := r.Register(conn(fmt.Sprintf("id-%d", i), "c1", "t1", ""))
		require.NoError(t, err)
	}

	seen := 0
	for range r.SelectBy(nil) {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestSelectBy_ReturnsExpiredUntilReaped(t *testing.T) {
	r, clock, _, _ := newTestRegistry(t, Options{TTL: time.Minute})

	_, err := r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	got := ids(r, nil)
	assert.Equal(t, []string{"x"}, got)
	c, ok := r.Get("x")
	require.True(t, ok)
	assert.True(t, c.Expired(clock.Now()))
}

func TestDeliver_UpdatesLastActivityOnly(t *testing.T) {
	r, clock, _, _ := newTestRegistry(t, Options{TTL: time.Minute})

	_, err := r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	for e := range r.SelectBy(nil) {
		require.NoError(t, r.Deliver(e, domain.Event{ID: "e1"}))
	}

	got, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*time.Second), got.LastActivityAt)
	assert.Equal(t, epoch.Add(time.Minute), got.TTLExpiresAt)
}

func TestDeliver_FailsWhenClosedOrFull(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{BufferSize: 1})

	_, err := r.Register(conn("x", "c1", "t1", ""))
	require.NoError(t, err)

	var e Entry
	for item := range r.SelectBy(nil) {
		e = item
	}

	require.NoError(t, r.Deliver(e, domain.Event{ID: "1"}))
	assert.ErrorIs(t, r.Deliver(e, domain.Event{ID: "2"}), ErrBufferFull)

	r.Deregister("x")
	assert.ErrorIs(t, r.Deliver(e, domain.Event{ID: "3"}), ErrHandleClosed)
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, Options{Shards: 8})

	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				id := fmt.Sprintf("w%d-%d", w, i)
				_, err := r.Register(conn(id, "c1", "t1", ""))
				assert.NoError(t, err)
				if i%2 == 0 {
					r.Deregister(id)
				}
			}
		}()
	}

	// Concurrent scans must not race with the writers.
	stop := make(chan struct{})
	var scans sync.WaitGroup
	scans.Add(1)
	go func() {
		defer scans.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for range r.SelectBy(nil) {
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	scans.Wait()

	want := workers * perWorker / 2
	assert.Equal(t, want, r.Count())
	assert.Len(t, ids(r, nil), want)
}

func TestClose_TerminatesEveryStream(t *testing.T) {
	r, _, sink, _ := newTestRegistry(t, Options{})

	var streams []*Stream
	for _, id := range []string{"a", "b", "c"} {
		s, err := r.Register(conn(id, "c1", "t1", ""))
		require.NoError(t, err)
		streams = append(streams, s)
	}

	assert.Equal(t, 3, r.Close())
	assert.Equal(t, 0, r.Count())

	for _, s := range streams {
		select {
		case <-s.Done():
		default:
			t.Fatalf("stream %s should be done", s.ID())
		}
	}
	assert.Contains(t, sink.Kinds("a"), domain.ConnectionClosed)
}

func TestRegister_RejectedAfterClose(t *testing.T) {
	r, _, sink, _ := newTestRegistry(t, Options{})
	r.Close()

	s, err := r.Register(conn("late", "c1", "t1", ""))

	assert.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Nil(t, s)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, sink.Kinds("late"))
}
