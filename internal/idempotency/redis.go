package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Values are "<receipt_id>|0" while claimed and "<receipt_id>|1" once
// processed.
const (
	claimedSuffix   = "|0"
	processedSuffix = "|1"
)

var (
	markProcessedScript = redis.NewScript(`
local v = redis.call("get", KEYS[1])
if not v then
  return 0
end
redis.call("set", KEYS[1], string.sub(v, 1, -3) .. "|1", "KEEPTTL")
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)
)

// RedisLedger keeps keys in Redis with SET NX and a TTL, for deployments
// where several gateway processes share one ledger.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) Claim(ctx context.Context, key, receiptID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, receiptID+claimedSuffix, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) MarkProcessed(ctx context.Context, key string) error {
	if err := markProcessedScript.Run(ctx, l.rdb, []string{l.prefix + key}).Err(); err != nil {
		return fmt.Errorf("mark idempotency key processed: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key, receiptID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, receiptID+claimedSuffix).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, key string) (*Entry, error) {
	v, err := l.rdb.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &Entry{
		Key:       key,
		ReceiptID: strings.TrimSuffix(strings.TrimSuffix(v, processedSuffix), claimedSuffix),
		Processed: strings.HasSuffix(v, processedSuffix),
	}, nil
}
