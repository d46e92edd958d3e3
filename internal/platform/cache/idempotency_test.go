package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/platform/db"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func TestIdempotencyStore_RoundTrip(t *testing.T) {
	kv := newFakeKV()
	s := NewIdempotencyStore(kv, time.Hour)
	ctx := db.WithTenant(context.Background(), "mulago")

	if _, ok, err := s.Lookup(ctx, "k1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	id := uuid.New()
	if err := s.Remember(ctx, "k1", id); err != nil {
		t.Fatal(err)
	}
	if kv.ttls["billing:idem:mulago:k1"] != time.Hour {
		t.Errorf("unexpected keys/ttls: %v", kv.ttls)
	}

	got, ok, err := s.Lookup(ctx, "k1")
	if err != nil || !ok || got != id {
		t.Errorf("Lookup() = %s, %v, %v", got, ok, err)
	}
}

func TestIdempotencyStore_FirstWriteWins(t *testing.T) {
	s := NewIdempotencyStore(newFakeKV(), 0)
	ctx := context.Background()
	first := uuid.New()
	_ = s.Remember(ctx, "k", first)
	_ = s.Remember(ctx, "k", uuid.New())
	got, _, _ := s.Lookup(ctx, "k")
	if got != first {
		t.Errorf("expected first payment to stick, got %s", got)
	}
}

func TestIdempotencyStore_TenantIsolation(t *testing.T) {
	s := NewIdempotencyStore(newFakeKV(), time.Minute)
	a := db.WithTenant(context.Background(), "a")
	b := db.WithTenant(context.Background(), "b")
	_ = s.Remember(a, "shared", uuid.New())
	if _, ok, _ := s.Lookup(b, "shared"); ok {
		t.Error("key leaked across tenants")
	}
}

func TestIdempotencyStore_Errors(t *testing.T) {
	kv := newFakeKV()
	s := NewIdempotencyStore(kv, time.Minute)
	ctx := context.Background()

	kv.data["billing:idem:default:bad"] = "not-a-uuid"
	if _, _, err := s.Lookup(ctx, "bad"); err == nil {
		t.Error("expected corrupt entry error")
	}

	boom := errors.New("connection refused")
	kv.err = boom
	if _, _, err := s.Lookup(ctx, "x"); !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
	if err := s.Remember(ctx, "x", uuid.New()); !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
}

func TestIdempotencyStore_SatisfiesBilling(t *testing.T) {
	var _ billing.IdempotencyStore = NewIdempotencyStore(newFakeKV(), 0)
}

type fakePing struct{ err error }

func (f fakePing) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestPinger(t *testing.T) {
	if err := (Pinger{Client: fakePing{}}).Ping(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Pinger{Client: fakePing{err: errors.New("down")}}).Ping(context.Background()); err == nil {
		t.Error("expected error")
	}
	var _ db.Pinger = Pinger{}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(context.Background(), "://nope", time.Second); err == nil {
		t.Error("expected parse error")
	}
}
