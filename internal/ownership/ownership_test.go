package ownership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeStore is an in-process map standing in for Redis, enough to
// exercise Directory without a live server.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

// fakePipeliner records Set/Expire/Del calls against the fake store.
// It implements only the subset of redis.Pipeliner that Directory uses.
type fakePipeliner struct {
	redis.Pipeliner
	store *fakeStore
}

func (p *fakePipeliner) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	p.store.mu.Lock()
	p.store.data[key] = value.(string)
	p.store.mu.Unlock()
	return redis.NewStatusCmd(ctx)
}

func (p *fakePipeliner) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	p.store.mu.Lock()
	_, ok := p.store.data[key]
	p.store.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(ok)
	return cmd
}

func (p *fakePipeliner) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	p.store.mu.Lock()
	for _, k := range keys {
		delete(p.store.data, k)
	}
	p.store.mu.Unlock()
	return redis.NewIntCmd(ctx)
}

func (s *fakeStore) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return fn(&fakePipeliner{store: s})
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func TestClaimThenOwnerOf(t *testing.T) {
	store := newFakeStore()
	dir := New(store, "g1", 30*time.Second)
	ctx := context.Background()

	if err := dir.Claim(ctx, "conn-1", "inst-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	owner, err := dir.OwnerOf(ctx, "conn-1")
	if err != nil {
		t.Fatalf("owner_of: %v", err)
	}
	if owner != "inst-a" {
		t.Fatalf("expected inst-a, got %q", owner)
	}
}

func TestOwnerOfNotFound(t *testing.T) {
	store := newFakeStore()
	dir := New(store, "g1", 30*time.Second)

	owner, err := dir.OwnerOf(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected nil error on miss, got %v", err)
	}
	if owner != "" {
		t.Fatalf("expected empty owner, got %q", owner)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := newFakeStore()
	dir := New(store, "g1", 30*time.Second)
	ctx := context.Background()

	if err := dir.Release(ctx, "conn-1", "inst-a"); err != nil {
		t.Fatalf("release on absent keys should not error: %v", err)
	}

	_ = dir.Claim(ctx, "conn-1", "inst-a")
	if err := dir.Release(ctx, "conn-1", "inst-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	owner, _ := dir.OwnerOf(ctx, "conn-1")
	if owner != "" {
		t.Fatalf("expected owner gone after release, got %q", owner)
	}
}

func TestLastWriterWinsOnReclaim(t *testing.T) {
	store := newFakeStore()
	dir := New(store, "g1", 30*time.Second)
	ctx := context.Background()

	_ = dir.Claim(ctx, "conn-1", "inst-a")
	_ = dir.Claim(ctx, "conn-1", "inst-b")

	owner, _ := dir.OwnerOf(ctx, "conn-1")
	if owner != "inst-b" {
		t.Fatalf("expected last writer inst-b, got %q", owner)
	}
}

func TestRefreshNoopOnMissingKeys(t *testing.T) {
	store := newFakeStore()
	dir := New(store, "g1", 30*time.Second)

	if err := dir.Refresh(context.Background(), "ghost", "inst-a"); err != nil {
		t.Fatalf("refresh on missing keys should be a no-op, got error: %v", err)
	}
}
