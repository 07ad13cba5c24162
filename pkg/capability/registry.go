package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks active leases. The issuer is the only writer.
type Registry interface {
	Put(ctx context.Context, lease Lease) error
	Get(ctx context.Context, leaseID string) (Lease, error)
	Revoke(ctx context.Context, leaseID string) error
	Active(ctx context.Context) ([]Lease, error)
}

// MemoryRegistry is the in-process default.
type MemoryRegistry struct {
	mu     sync.RWMutex
	leases map[string]Lease
	clock  func() time.Time
}

// NewMemoryRegistry builds an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{leases: make(map[string]Lease), clock: time.Now}
}

func (r *MemoryRegistry) Put(_ context.Context, lease Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[lease.ID] = lease
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, leaseID string) (Lease, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leases[leaseID]
	if !ok {
		return Lease{}, fmt.Errorf("capability: lease %s not found", leaseID)
	}
	return l, nil
}

func (r *MemoryRegistry) Revoke(_ context.Context, leaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[leaseID]
	if !ok {
		return nil // revoking an unknown lease is a no-op
	}
	l.Revoked = true
	r.leases[leaseID] = l
	return nil
}

func (r *MemoryRegistry) Active(_ context.Context) ([]Lease, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock()
	var out []Lease
	for _, l := range r.leases {
		if !l.Revoked && !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// RedisRegistry shares the lease table across supervisor replicas. Each
// lease lives under one key with a TTL matching the lease expiry, so Redis
// garbage-collects what the issuer forgets.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisRegistry connects to the given Redis address.
func NewRedisRegistry(addr, password string, db int) *RedisRegistry {
	return &RedisRegistry{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "director:lease:",
		clock:  time.Now,
	}
}

func (r *RedisRegistry) key(leaseID string) string { return r.prefix + leaseID }

func (r *RedisRegistry) Put(ctx context.Context, lease Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("capability: marshal lease: %w", err)
	}
	ttl := time.Duration(lease.ExpiresAtMS-r.clock().UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, r.key(lease.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("capability: redis set: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, leaseID string) (Lease, error) {
	raw, err := r.client.Get(ctx, r.key(leaseID)).Bytes()
	if err != nil {
		return Lease{}, fmt.Errorf("capability: lease %s not found: %w", leaseID, err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return Lease{}, fmt.Errorf("capability: decode lease: %w", err)
	}
	return l, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, leaseID string) error {
	l, err := r.Get(ctx, leaseID)
	if err != nil {
		return nil
	}
	l.Revoked = true
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("capability: marshal lease: %w", err)
	}
	// Keep the revoked record around briefly so verifiers see the
	// revocation instead of a miss.
	if err := r.client.Set(ctx, r.key(leaseID), raw, time.Minute).Err(); err != nil {
		return fmt.Errorf("capability: redis revoke: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Active(ctx context.Context) ([]Lease, error) {
	var out []Lease
	now := r.clock()
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var l Lease
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		if !l.Revoked && !l.Expired(now) {
			out = append(out, l)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("capability: redis scan: %w", err)
	}
	return out, nil
}
