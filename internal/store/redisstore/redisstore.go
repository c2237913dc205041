// Package redisstore keeps the per-user counters behind the chat rate limit
// and the daily message quota.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func New(addr, password string, db int) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func rateKey(userID uint64, window time.Duration, now time.Time) string {
	slot := now.UnixNano() / int64(window)
	return fmt.Sprintf("ratelimit:chat:%d:%d", userID, slot)
}

func quotaKey(userID uint64, now time.Time) string {
	return fmt.Sprintf("quota:chat:%d:%s", userID, now.UTC().Format("20060102"))
}

// incrScript bumps KEYS[1] and sets its ttl (ARGV[1], ms) on first use in
// one round trip, so a counter never outlives its window.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (s *Store) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
}

// Allow counts one request in the current fixed window and reports whether
// it is within limit. A limit <= 0 disables the check.
func (s *Store) Allow(ctx context.Context, userID uint64, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := s.incr(ctx, rateKey(userID, window, s.now()), window)
	if err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	return n <= int64(limit), nil
}

// ConsumeQuota spends one message of today's (UTC) allowance.
func (s *Store) ConsumeQuota(ctx context.Context, userID uint64, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := s.incr(ctx, quotaKey(userID, s.now()), 48*time.Hour)
	if err != nil {
		return false, fmt.Errorf("quota: %w", err)
	}
	return n <= int64(limit), nil
}
