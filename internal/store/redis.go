// redis.go -- go-redis clients for the fast-expiring stores.
//
// Authorization codes live here with a server-enforced TTL and are consumed
// exactly once via GETDEL. Rate limit counters also live here so limits hold
// across replicas and restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects a shared Redis client; all Redis-backed structs
// share one connection pool. Pings before returning.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// CodeStore holds short-lived OAuth2 authorization codes.
type CodeStore struct {
	rdb *redis.Client
}

// NewCodeStore wraps the shared Redis client.
func NewCodeStore(rdb *redis.Client) *CodeStore {
	return &CodeStore{rdb}
}

func authCodeKey(clientID uuid.UUID, code string) string {
	return fmt.Sprintf("auth_code:%s:%s", clientID, code)
}

// SetAuthCode stores (client_id, code) -> user_id with the given TTL in
// seconds. Redis expiry is the only lifetime bound the code has.
func (s *CodeStore) SetAuthCode(ctx context.Context, clientID uuid.UUID, code string, userID uuid.UUID, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return errors.New("auth code ttl must be positive")
	}
	return s.rdb.SetEx(ctx, authCodeKey(clientID, code), userID.String(),
		time.Duration(ttlSeconds)*time.Second).Err()
}

// ConsumeAuthCode atomically fetches and deletes the code mapping. GETDEL is
// the single-use guarantee: of two concurrent exchanges of the same code,
// exactly one observes the value. Absent codes return ErrCodeNotFound.
func (s *CodeStore) ConsumeAuthCode(ctx context.Context, clientID uuid.UUID, code string) (uuid.UUID, error) {
	val, err := s.rdb.GetDel(ctx, authCodeKey(clientID, code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrCodeNotFound
		}
		return uuid.Nil, fmt.Errorf("consuming auth code: %w", err)
	}
	userID, err := uuid.FromString(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing auth code value: %w", err)
	}
	return userID, nil
}

// RateLimiter tracks attempts per key with a fixed window and a lockout.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter wraps the shared Redis client.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb}
}

// allowScript counts an attempt and reports the decision in one atomic step.
// KEYS[1] = counter key, KEYS[2] = lockout key,
// ARGV[1] = max attempts, ARGV[2] = window seconds, ARGV[3] = lockout seconds.
// Returns 1 if allowed, 0 if locked out or over the threshold.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('SET', KEYS[2], '1', 'EX', ARGV[3])
    redis.call('DEL', KEYS[1])
    return 0
end
return 1
`)

// Allow records an attempt for key under policy. Returns nil when the attempt
// is within policy and ErrRateLimitExceeded when locked out.
func (l *RateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	counterKey := "rate:" + key
	lockoutKey := "rate_lock:" + key
	allowed, err := allowScript.Run(ctx, l.rdb,
		[]string{counterKey, lockoutKey},
		policy.MaxAttempts,
		int(policy.Window.Seconds()),
		int(policy.LockoutTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if allowed == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
