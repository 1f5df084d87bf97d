package goCaptcha

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// sharedLimiter mirrors wrong-count windows in Redis so a fleet of
// instances converges on the same limit decision for a subject. Record
// state itself stays in process memory; only the fixed-window wrong
// counter is shared.
type sharedLimiter struct {
	client   redis.UniversalClient
	prefix   string
	maxWrong float64
	window   time.Duration
}

func newSharedLimiter(client redis.UniversalClient, cfg SharedLimitConfig, auth AuthConfig) *sharedLimiter {
	return &sharedLimiter{
		client:   client,
		prefix:   cfg.KeyPrefix,
		maxWrong: auth.MaxWrong,
		window:   auth.DropWrongAfter,
	}
}

func (l *sharedLimiter) key(subjectID string) string {
	return l.prefix + ":wrong:" + subjectID
}

// noteWrong adds a (possibly fractional) wrong penalty to the subject's
// shared window. The first increment arms the window expiry.
func (l *sharedLimiter) noteWrong(ctx context.Context, subjectID string, delta float64) error {
	key := l.key(subjectID)
	count, err := l.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errSharedLimitUnavailable, err)
	}
	if count == delta {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", errSharedLimitUnavailable, err)
		}
	}
	return nil
}

// limited reports whether the fleet-wide wrong count exceeds the maximum.
func (l *sharedLimiter) limited(ctx context.Context, subjectID string) (bool, error) {
	val, err := l.client.Get(ctx, l.key(subjectID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", errSharedLimitUnavailable, err)
	}
	count, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return false, fmt.Errorf("%w: bad counter value %q", errSharedLimitUnavailable, val)
	}
	return count > l.maxWrong, nil
}

// reset clears the subject's shared window, mirroring a local cooldown
// drop or deauth.
func (l *sharedLimiter) reset(ctx context.Context, subjectID string) error {
	if err := l.client.Del(ctx, l.key(subjectID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errSharedLimitUnavailable, err)
	}
	return nil
}
