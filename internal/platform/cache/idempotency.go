package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hmis/billing/internal/platform/db"
)

const DefaultIdempotencyTTL = 24 * time.Hour

// KV is the part of the Redis API the idempotency cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// IdempotencyStore maps payment idempotency keys to the payment they created.
// Keys are namespaced per tenant. Entries expire after the TTL; the payment
// ledger stays authoritative after that.
type IdempotencyStore struct {
	kv  KV
	ttl time.Duration
}

func NewIdempotencyStore(kv KV, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{kv: kv, ttl: ttl}
}

func (s *IdempotencyStore) key(ctx context.Context, key string) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("billing:idem:%s:%s", tenant, key)
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := s.kv.Get(ctx, s.key(ctx, key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt idempotency entry for %q: %w", key, err)
	}
	return id, true, nil
}

// Remember records the first payment seen for key. Later writes for the same
// key are ignored.
func (s *IdempotencyStore) Remember(ctx context.Context, key string, paymentID uuid.UUID) error {
	return s.kv.SetNX(ctx, s.key(ctx, key), paymentID.String(), s.ttl).Err()
}
