// Package redis provides a Redis-backed implementation of the idempotency
// store for cross-process deployments. Claims use SET NX so at most one
// process holds the in-progress record for a key; completion wakes waiters
// in every process through a pub/sub channel per key. Record expiry rides on
// the Redis TTL, with the stored expires_at field double-checked so a record
// read at exactly its expiry instant is treated as expired.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/result"
)

// DefaultPrefix namespaces record keys and completion channels.
const DefaultPrefix = "toolrun:idem"

// Options configures the Redis store.
type Options struct {
	// Client is the Redis connection. Required. The caller owns its
	// lifecycle; Close on the store does not close it.
	Client *redis.Client

	// Prefix namespaces keys. Empty means DefaultPrefix.
	Prefix string

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// Store is a Redis implementation of the idempotency.Store interface. It is
// safe for concurrent use. Stats counters are process-local views of the
// shared record state.
type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time

	totalRequests       atomic.Int64
	cacheHits           atomic.Int64
	cacheMisses         atomic.Int64
	duplicatesPrevented atomic.Int64
	inProgress          atomic.Int64
}

// Compile-time check that Store implements idempotency.Store.
var _ idempotency.Store = (*Store)(nil)

// New creates a Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{
		rdb:    opts.Client,
		prefix: opts.Prefix,
		now:    opts.Clock,
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) recordKey(key string) string {
	return s.prefix + ":" + key
}

func (s *Store) doneChannel(key string) string {
	return s.prefix + ":done:" + key
}

// Check resolves the envelope's effective key and classifies the request
// against stored state.
func (s *Store) Check(ctx context.Context, env *envelope.Envelope) (result.IdempotencyStatus, *result.Result, error) {
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", nil, err
	}
	s.totalRequests.Add(1)

	rec, err := s.load(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		s.cacheMisses.Add(1)
		return result.IdempotencyNew, nil, nil
	}
	now := s.now().UTC()
	if rec.Expired(now) {
		if err := s.remove(ctx, key); err != nil {
			return "", nil, err
		}
		s.cacheMisses.Add(1)
		return result.IdempotencyExpired, nil, nil
	}
	if rec.Status == idempotency.StatusInProgress {
		return result.IdempotencyInProgress, nil, nil
	}
	rec.LastAccessedAt = now
	s.touch(ctx, key, rec)
	s.cacheHits.Add(1)
	return result.IdempotencyDuplicate, rec.CachedResult(), nil
}

// Begin claims the key with SET NX so only one process wins. A live record
// rejects the claim with ErrClaimed; a record past its stored expiry is
// removed and the claim retried once.
func (s *Store) Begin(ctx context.Context, env *envelope.Envelope, ttl time.Duration) (string, error) {
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	rec := idempotency.NewRecord(key, env, ttl, now)
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("redis idempotency: marshal record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, s.recordKey(key), raw, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("redis idempotency: claim %q: %w", key, err)
		}
		if ok {
			s.inProgress.Add(1)
			return key, nil
		}
		existing, err := s.load(ctx, key)
		if err != nil {
			return "", err
		}
		if existing == nil || existing.Expired(s.now().UTC()) {
			if err := s.remove(ctx, key); err != nil {
				return "", err
			}
			continue
		}
		return "", idempotency.ErrClaimed
	}
	return "", idempotency.ErrClaimed
}

// Complete stores the result against the claim, keeping the original TTL, and
// broadcasts completion on the key's channel.
func (s *Store) Complete(ctx context.Context, key string, res *result.Result) error {
	rec, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return idempotency.ErrNotFound
	}
	if rec.Status == idempotency.StatusInProgress {
		s.inProgress.Add(-1)
	}
	rec.Status = idempotency.StatusCompleted
	rec.Result = res.Clone()
	rec.LastAccessedAt = s.now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis idempotency: marshal record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.recordKey(key), raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis idempotency: store result %q: %w", key, err)
	}
	if err := s.rdb.Publish(ctx, s.doneChannel(key), "completed").Err(); err != nil {
		return fmt.Errorf("redis idempotency: publish completion %q: %w", key, err)
	}
	return nil
}

// Fail releases the claim without caching anything and broadcasts the release.
func (s *Store) Fail(ctx context.Context, key string) error {
	removed, err := s.rdb.Del(ctx, s.recordKey(key)).Result()
	if err != nil {
		return fmt.Errorf("redis idempotency: release %q: %w", key, err)
	}
	if removed == 0 {
		return idempotency.ErrNotFound
	}
	s.inProgress.Add(-1)
	if err := s.rdb.Publish(ctx, s.doneChannel(key), "failed").Err(); err != nil {
		return fmt.Errorf("redis idempotency: publish release %q: %w", key, err)
	}
	return nil
}

// Wait blocks until the key's execution resolves. It subscribes to the key's
// completion channel before re-reading the record so a completion between the
// two cannot be missed.
func (s *Store) Wait(ctx context.Context, key string, timeout time.Duration) (*result.Result, error) {
	sub := s.rdb.Subscribe(ctx, s.doneChannel(key))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redis idempotency: subscribe %q: %w", key, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	messages := sub.Channel()

	for {
		rec, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Expired(s.now().UTC()) {
			return nil, nil
		}
		if rec.Status == idempotency.StatusCompleted {
			s.duplicatesPrevented.Add(1)
			return rec.CachedResult(), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-messages:
		}
	}
}

// Cleanup removes records whose stored expiry has passed. Redis TTL normally
// purges them first; this sweeps records whose TTL and field drifted.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	now := s.now().UTC()
	removed := 0
	err := s.scan(ctx, func(key string, rec *idempotency.Record) error {
		if rec.Expired(now) {
			if err := s.remove(ctx, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// EnforceBound evicts the records least recently accessed until at most max
// remain.
func (s *Store) EnforceBound(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	type aged struct {
		key string
		at  time.Time
	}
	var all []aged
	err := s.scan(ctx, func(key string, rec *idempotency.Record) error {
		all = append(all, aged{key: key, at: rec.LastAccessedAt})
		return nil
	})
	if err != nil {
		return 0, err
	}
	excess := len(all) - max
	if excess <= 0 {
		return 0, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	evicted := 0
	for _, victim := range all[:excess] {
		if err := s.remove(ctx, victim.key); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// Stats returns this process's view of the store counters.
func (s *Store) Stats() idempotency.Stats {
	return idempotency.Stats{
		TotalRequests:       s.totalRequests.Load(),
		CacheHits:           s.cacheHits.Load(),
		CacheMisses:         s.cacheMisses.Load(),
		DuplicatesPrevented: s.duplicatesPrevented.Load(),
		InProgress:          s.inProgress.Load(),
	}
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (s *Store) Close() error {
	return nil
}

// load reads and decodes the record for key; nil when absent.
func (s *Store) load(ctx context.Context, key string) (*idempotency.Record, error) {
	raw, err := s.rdb.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis idempotency: load %q: %w", key, err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redis idempotency: decode %q: %w", key, err)
	}
	return &rec, nil
}

// remove deletes the record, decrementing the in-progress gauge when needed.
func (s *Store) remove(ctx context.Context, key string) error {
	rec, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, s.recordKey(key)).Err(); err != nil {
		return fmt.Errorf("redis idempotency: delete %q: %w", key, err)
	}
	if rec.Status == idempotency.StatusInProgress {
		s.inProgress.Add(-1)
	}
	return nil
}

// touch persists the updated access time without disturbing the TTL.
// Best-effort: a failed touch only skews LRU ordering.
func (s *Store) touch(ctx context.Context, key string, rec *idempotency.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.rdb.Set(ctx, s.recordKey(key), raw, redis.KeepTTL).Err()
}

// scan iterates every stored record under the prefix.
func (s *Store) scan(ctx context.Context, fn func(key string, rec *idempotency.Record) error) error {
	match := s.prefix + ":*"
	donePrefix := s.prefix + ":done:"
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("redis idempotency: scan: %w", err)
		}
		for _, full := range keys {
			if len(full) >= len(donePrefix) && full[:len(donePrefix)] == donePrefix {
				continue
			}
			key := full[len(s.prefix)+1:]
			rec, err := s.load(ctx, key)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := fn(key, rec); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
