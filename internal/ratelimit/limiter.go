// Package ratelimit bounds connection, subscription, and message rates per
// user with Redis-backed sliding windows. The limiter never blocks; it only
// accepts or rejects.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/redisclient"
)

// Bucket identifies a rate-limit category keyed by (user id, bucket).
type Bucket string

const (
	BucketConnections Bucket = "conn"   // concurrent connections
	BucketMessages    Bucket = "msgs"   // outbound client messages per minute
	BucketSubRequests Bucket = "subreq" // subscribe requests per minute
	BucketViolations  Bucket = "viol"   // limiter rejections, for abuse tracking
	BucketIngest      Bucket = "ingest" // producer event submissions per minute
)

// Config holds the per-user limits.
type Config struct {
	MaxConnectionsPerUser int
	MaxSubsPerConnection  int
	MessagesPerMinute     int
	SubRequestsPerMinute  int
	IngestPerMinute       int

	// AbuseThreshold violations within AbuseWindow mark the user abusive and
	// the connection is closed with an application abuse code.
	AbuseThreshold int
	AbuseWindow    time.Duration
}

// DefaultConfig returns the documented protocol limits.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 10,
		MaxSubsPerConnection:  100,
		MessagesPerMinute:     50,
		SubRequestsPerMinute:  20,
		IngestPerMinute:       300,
		AbuseThreshold:        3,
		AbuseWindow:           5 * time.Minute,
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter implements sliding-window rate limiting using Redis sorted sets,
// plus a plain counter for the concurrent-connection cap.
type Limiter struct {
	client *redisclient.Client
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a limiter with the given configuration.
func New(client *redisclient.Client, logger *zap.Logger, cfg Config) *Limiter {
	return &Limiter{
		client: client,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func key(bucket Bucket, userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s:%s", bucket, userID)
}

// allowWindow runs one sliding-window check: prune entries older than the
// window, count what remains, and admit only if count+1 stays within limit.
func (l *Limiter) allowWindow(ctx context.Context, redisKey string, limit int, window time.Duration) (*Result, error) {
	now := l.now()
	windowStart := now.Add(-window)
	resetAt := now.Add(window)

	pipe := l.client.RDB().Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := limit - current

	if current+1 > limit {
		return &Result{Allowed: false, Remaining: max(0, remaining), ResetAt: resetAt}, nil
	}

	pipe2 := l.client.RDB().Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe2.Expire(ctx, redisKey, window+time.Second)
	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &Result{Allowed: true, Remaining: remaining - 1, ResetAt: resetAt}, nil
}

// AllowConnection admits a new connection for the user if the concurrent cap
// allows. Admitted connections must be paired with ReleaseConnection.
func (l *Limiter) AllowConnection(ctx context.Context, userID uuid.UUID) (bool, error) {
	redisKey := key(BucketConnections, userID)

	n, err := l.client.RDB().Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}
	if n > int64(l.cfg.MaxConnectionsPerUser) {
		// Over cap: undo the reservation.
		if err := l.client.RDB().Decr(ctx, redisKey).Err(); err != nil {
			l.logger.Warn("failed to roll back connection count", zap.Error(err))
		}
		metrics.RecordRateLimitRejection(string(BucketConnections))
		return false, nil
	}
	return true, nil
}

// ReleaseConnection returns a connection slot on close.
func (l *Limiter) ReleaseConnection(ctx context.Context, userID uuid.UUID) error {
	n, err := l.client.RDB().Decr(ctx, key(BucketConnections, userID)).Result()
	if err != nil {
		return fmt.Errorf("redis decr failed: %w", err)
	}
	if n < 0 {
		// Unbalanced release; clamp rather than let the counter drift.
		_ = l.client.RDB().Set(ctx, key(BucketConnections, userID), 0, 0).Err()
	}
	return nil
}

// AllowMessage checks the outbound client message budget.
func (l *Limiter) AllowMessage(ctx context.Context, userID uuid.UUID) (*Result, error) {
	res, err := l.allowWindow(ctx, key(BucketMessages, userID), l.cfg.MessagesPerMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection(string(BucketMessages))
	}
	return res, nil
}

// AllowSubscribeRequest checks the subscribe-request budget.
func (l *Limiter) AllowSubscribeRequest(ctx context.Context, userID uuid.UUID) (*Result, error) {
	res, err := l.allowWindow(ctx, key(BucketSubRequests, userID), l.cfg.SubRequestsPerMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection(string(BucketSubRequests))
	}
	return res, nil
}

// AllowIngest checks the event submission budget for a producer key. The
// key is caller-defined (producer id header or client IP).
func (l *Limiter) AllowIngest(ctx context.Context, producerKey string) (*Result, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", BucketIngest, producerKey)
	res, err := l.allowWindow(ctx, redisKey, l.cfg.IngestPerMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection(string(BucketIngest))
	}
	return res, nil
}

// SubscriptionCap is the per-connection subscription ceiling. The registry
// tracks the count; the cap lives here with the other limits.
func (l *Limiter) SubscriptionCap() int {
	return l.cfg.MaxSubsPerConnection
}

// RecordViolation notes one limiter rejection and reports whether the user
// has crossed the abuse threshold within the abuse window.
func (l *Limiter) RecordViolation(ctx context.Context, userID uuid.UUID) (bool, error) {
	now := l.now()
	redisKey := key(BucketViolations, userID)

	pipe := l.client.RDB().Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", now.Add(-l.cfg.AbuseWindow).UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.cfg.AbuseWindow+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline failed: %w", err)
	}

	abusive := int(countCmd.Val()) >= l.cfg.AbuseThreshold
	if abusive {
		l.logger.Warn("abuse threshold crossed",
			zap.String("user_id", userID.String()),
			zap.Int64("violations", countCmd.Val()),
		)
	}
	return abusive, nil
}

// SetNowFunc overrides the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.now = now
}
