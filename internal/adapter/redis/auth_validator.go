package redis

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	authKeyPrefix = "pushline:auth:"
	lookupTimeout = time.Second
)

// Lookup result label values.
const (
	lookupHit   = "hit"
	lookupMiss  = "miss"
	lookupError = "error"
)

// AuthValidator checks connection credentials against tokens stored in Redis
// under pushline:auth:<subjectId>. Concurrent lookups for one subject are
// collapsed into a single GET.
type AuthValidator struct {
	rdb     goredis.Cmdable
	group   singleflight.Group
	metrics *metrics.Push
}

var _ domain.AuthValidator = (*AuthValidator)(nil)

func NewAuthValidator(rdb goredis.Cmdable, m *metrics.Push) *AuthValidator {
	return &AuthValidator{rdb: rdb, metrics: m}
}

func authKey(subjectID string) string {
	return authKeyPrefix + subjectID
}

// Validate reports whether authToken is the token currently stored for subjectID.
// An unknown subject is a rejection, not an error.
func (v *AuthValidator) Validate(ctx context.Context, subjectID, authToken string) (bool, error) {
	res, err, _ := v.group.Do(subjectID, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return v.rdb.Get(lookupCtx, authKey(subjectID)).Result()
	})

	switch {
	case errors.Is(err, goredis.Nil):
		v.metrics.AuthLookups.WithLabelValues(lookupMiss).Inc()
		return false, nil
	case err != nil:
		v.metrics.AuthLookups.WithLabelValues(lookupError).Inc()
		return false, fmt.Errorf("failed to look up token for subject %s: %w", subjectID, err)
	}

	v.metrics.AuthLookups.WithLabelValues(lookupHit).Inc()
	stored := res.(string)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(authToken)) == 1, nil
}

// StoreToken sets the token accepted for subjectID. A zero ttl keeps it until revoked.
func (v *AuthValidator) StoreToken(ctx context.Context, subjectID, token string, ttl time.Duration) error {
	if err := v.rdb.Set(ctx, authKey(subjectID), token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// RevokeToken removes the token for subjectID.
func (v *AuthValidator) RevokeToken(ctx context.Context, subjectID string) error {
	if err := v.rdb.Del(ctx, authKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
