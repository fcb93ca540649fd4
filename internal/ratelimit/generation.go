package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genstudio/internal/config"
)

const (
	keyGenerationUser = "generation:user:%s"
	keyCreditUserLock = "credit:lock:user:%s"
)

// GenerationLimiter rate limits generation requests per user and provides
// the cross-instance per-user ledger lock. A nil limiter allows everything.
type GenerationLimiter struct {
	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewGenerationLimiter(cfg config.Config, client *redis.Client) (*GenerationLimiter, error) {
	if client == nil {
		return nil, nil
	}
	if cfg.Generation.RateLimitPerSecond <= 0 || cfg.Generation.RateLimitBurst <= 0 {
		return nil, errors.New("generation rate limit must be positive")
	}
	lockTTL := cfg.Credit.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}

	return &GenerationLimiter{
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.Generation.RateLimitPerSecond,
		burst:   cfg.Generation.RateLimitBurst,
		lockTTL: lockTTL,
	}, nil
}

func (l *GenerationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowUser consumes one generation token for userID.
func (l *GenerationLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGenerationUser, strings.TrimSpace(userID)), l.rate, l.burst)
}

func (l *GenerationLimiter) TryLockUser(ctx context.Context, userID string) (string, bool, error) {
	if l == nil || l.locker == nil {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyCreditUserLock, strings.TrimSpace(userID)), l.lockTTL)
}

func (l *GenerationLimiter) ReleaseUser(ctx context.Context, userID, token string) error {
	if l == nil || l.locker == nil {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyCreditUserLock, strings.TrimSpace(userID)), token)
}

func (l *GenerationLimiter) LockTTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.lockTTL
}
