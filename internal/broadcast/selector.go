package broadcast

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/registry"
)

// Selector resolves a broadcast request against the registry.
type Selector struct {
	registry  *registry.Registry
	validator domain.AuthValidator
	clock     clockwork.Clock
	metrics   *metrics.Push
}

func NewSelector(reg *registry.Registry, validator domain.AuthValidator, clock clockwork.Clock, m *metrics.Push) *Selector {
	if validator == nil {
		validator = AllowAllValidator{}
	}
	return &Selector{registry: reg, validator: validator, clock: clock, metrics: m}
}

type credentials struct {
	subjectID string
	authToken string
}

// Resolve returns the entries addressed by req, sorted by connection id.
// The request is assumed valid. Expired entries that the reaper has not
// removed yet are skipped. Authenticated entries are checked with the
// validator once per distinct subject/token pair; a validator error drops the
// entry like a rejection does. Anonymous entries only receive events from a
// cohort without authenticated members, and not even then when the request
// requires authentication.
func (s *Selector) Resolve(ctx context.Context, req domain.BroadcastRequest) []registry.Entry {
	now := s.clock.Now()

	var matches []registry.Entry
	for e := range s.registry.SelectBy(req.Selector.Matches) {
		if e.Expired(now) {
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		return nil
	}

	requireAuth := req.RequireAuthenticated || slices.ContainsFunc(matches, registry.Entry.Authenticated)

	verdicts := make(map[credentials]bool)
	kept := matches[:0]
	for _, e := range matches {
		if e.ID == req.ExcludeConnectionID && req.ExcludeConnectionID != "" {
			continue
		}
		if !e.Authenticated() {
			if !requireAuth {
				kept = append(kept, e)
			}
			continue
		}

		key := credentials{subjectID: e.SubjectID, authToken: e.AuthToken}
		ok, seen := verdicts[key]
		if !seen {
			ok = s.validate(ctx, e)
			verdicts[key] = ok
		}
		if ok {
			kept = append(kept, e)
		} else {
			s.metrics.AuthRejections.Inc()
		}
	}

	slices.SortFunc(kept, func(a, b registry.Entry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return kept
}

// ResolveAll returns every unexpired entry, sorted by connection id.
func (s *Selector) ResolveAll() []registry.Entry {
	now := s.clock.Now()

	var all []registry.Entry
	for e := range s.registry.SelectBy(func(c domain.Connection) bool { return !c.Expired(now) }) {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b registry.Entry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return all
}

func (s *Selector) validate(ctx context.Context, e registry.Entry) bool {
	ok, err := s.validator.Validate(ctx, e.SubjectID, e.AuthToken)
	if err != nil {
		s.metrics.ValidatorFailures.Inc()
		slog.WarnContext(ctx, "Auth validation failed, skipping connection",
			"connection_id", e.ID, "subject_id", e.SubjectID, "error", err)
		return false
	}
	return ok
}

// AllowAllValidator accepts every subject. Used when no credential store is configured.
type AllowAllValidator struct{}

func (AllowAllValidator) Validate(context.Context, string, string) (bool, error) {
	return true, nil
}
