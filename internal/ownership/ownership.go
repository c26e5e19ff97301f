// Package ownership implements C2, the connection-ownership directory:
// a KV mapping of connection to owning instance, refreshed on every
// heartbeat and passively reclaimed via TTL. The production store is
// Redis (github.com/redis/go-redis/v9): a claim is a plain SET with an
// expiry that overwrites any earlier owner, refresh is EXPIRE, and
// release is DEL, each over a forward/reverse key pair per connection.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odin-gateway/gwctl/internal/gwerrors"
	"github.com/redis/go-redis/v9"
)

// Store is the minimal KV contract the ownership directory depends on,
// so tests can swap in a fake instead of a real Redis instance.
type Store interface {
	// Pipelined sends the given ops as a single pipelined batch. The
	// batch is not a transaction: ops are not applied atomically.
	Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error
	Get(ctx context.Context, key string) (string, error)
}

// Directory is C2: claim/refresh/release/owner_of over a forward key
// (gw:{group}:i2c:{instance}:{connection}) and a reverse key
// (gw:{group}:c2i:{connection}), both carrying TTL T_own.
type Directory struct {
	store   Store
	groupID string
	ttl     time.Duration
}

// New builds a Directory. ttl must be >= 3x the heartbeat interval;
// internal/config.GatewayConfig.OwnershipTTL enforces that before this
// is constructed.
func New(store Store, groupID string, ttl time.Duration) *Directory {
	return &Directory{store: store, groupID: groupID, ttl: ttl}
}

func (d *Directory) forwardKey(instance, connection string) string {
	return fmt.Sprintf("gw:%s:i2c:%s:%s", d.groupID, instance, connection)
}

func (d *Directory) reverseKey(connection string) string {
	return fmt.Sprintf("gw:%s:c2i:%s", d.groupID, connection)
}

// Claim writes the forward and reverse keys for connection, owned by
// instance, in one pipelined batch. Per I2, a later claim for the same
// connection id by a different instance silently overwrites ownership
// — last writer wins.
func (d *Directory) Claim(ctx context.Context, connection, instance string) error {
	fwd := d.forwardKey(instance, connection)
	rev := d.reverseKey(connection)

	err := d.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fwd, "1", d.ttl)
		pipe.Set(ctx, rev, instance, d.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrOwnershipClaim, err)
	}
	return nil
}

// Refresh extends the TTL on both keys for connection. A missing key
// pair is not an error — the next claim (or the passive TTL reclaim)
// will sort it out, per §4.1.
func (d *Directory) Refresh(ctx context.Context, connection, instance string) error {
	fwd := d.forwardKey(instance, connection)
	rev := d.reverseKey(connection)

	err := d.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, fwd, d.ttl)
		pipe.Expire(ctx, rev, d.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ownership refresh failed: %w", err)
	}
	return nil
}

// Release deletes both keys. Idempotent: deleting an absent key is not
// an error.
func (d *Directory) Release(ctx context.Context, connection, instance string) error {
	fwd := d.forwardKey(instance, connection)
	rev := d.reverseKey(connection)

	return d.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fwd)
		pipe.Del(ctx, rev)
		return nil
	})
}

// OwnerOf reads the reverse key. A miss returns "", nil — not-found is
// not an error condition, per §4.1's owner_of contract.
func (d *Directory) OwnerOf(ctx context.Context, connection string) (string, error) {
	val, err := d.store.Get(ctx, d.reverseKey(connection))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("ownership lookup failed: %w", err)
	}
	return val, nil
}

// RedisStore adapts *redis.Client to the Store interface.
type RedisStore struct {
	Client *redis.Client
}

func (s *RedisStore) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.Client.Pipelined(ctx, fn)
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	return s.Client.Get(ctx, key).Result()
}
