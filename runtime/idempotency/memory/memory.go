// Package memory provides an in-memory implementation of the idempotency
// store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where deduplication state does not need to survive restarts or
// span processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/result"
)

// Options configures the in-memory store.
type Options struct {
	// CleanupInterval is how often the background sweeper purges expired
	// records. Zero or negative disables the sweeper; Cleanup remains
	// callable directly.
	CleanupInterval time.Duration

	// MaxRecords bounds the store. When positive, every claim enforces the
	// bound by evicting the records least recently accessed. Zero means
	// unbounded.
	MaxRecords int

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// Store is an in-memory implementation of the idempotency.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	max     int
	now     func() time.Time

	totalRequests       int64
	cacheHits           int64
	cacheMisses         int64
	duplicatesPrevented int64
	inProgress          int64

	stopOnce sync.Once
	stop     chan struct{}
	swept    sync.WaitGroup
}

// entry pairs a record with its completion signal. The signal channel is
// closed exactly once, when the record completes, fails, or is purged.
type entry struct {
	rec  *idempotency.Record
	done chan struct{}
	once sync.Once
}

func (e *entry) signal() {
	e.once.Do(func() { close(e.done) })
}

// Compile-time check that Store implements idempotency.Store.
var _ idempotency.Store = (*Store)(nil)

// New creates a new in-memory store and starts the expiry sweeper when
// opts.CleanupInterval is positive.
func New(opts Options) *Store {
	s := &Store{
		records: make(map[string]*entry),
		max:     opts.MaxRecords,
		now:     opts.Clock,
		stop:    make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CleanupInterval > 0 {
		s.swept.Add(1)
		go s.sweep(opts.CleanupInterval)
	}
	return s
}

// Check resolves the envelope's effective key and classifies the request
// against stored state.
func (s *Store) Check(ctx context.Context, env *envelope.Envelope) (result.IdempotencyStatus, *result.Result, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	default:
	}
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", nil, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++

	e, ok := s.records[key]
	if !ok {
		s.cacheMisses++
		return result.IdempotencyNew, nil, nil
	}
	if e.rec.Expired(now) {
		s.purgeLocked(key, e)
		s.cacheMisses++
		return result.IdempotencyExpired, nil, nil
	}
	if e.rec.Status == idempotency.StatusInProgress {
		return result.IdempotencyInProgress, nil, nil
	}
	e.rec.LastAccessedAt = now
	s.cacheHits++
	return result.IdempotencyDuplicate, e.rec.CachedResult(), nil
}

// Begin claims the key with an in-progress record. A live record, whether in
// progress or completed, rejects the claim with ErrClaimed.
func (s *Store) Begin(ctx context.Context, env *envelope.Envelope, ttl time.Duration) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return "", err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.records[key]; ok {
		if !e.rec.Expired(now) {
			return "", idempotency.ErrClaimed
		}
		s.purgeLocked(key, e)
	}
	s.records[key] = &entry{
		rec:  idempotency.NewRecord(key, env, ttl, now),
		done: make(chan struct{}),
	}
	s.inProgress++
	if s.max > 0 && len(s.records) > s.max {
		s.evictLocked(len(s.records) - s.max)
	}
	return key, nil
}

// Complete caches the result against the claim and wakes all waiters. The
// result is cloned before storage so caller mutation cannot reach the cache.
func (s *Store) Complete(ctx context.Context, key string, res *result.Result) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	if e.rec.Status == idempotency.StatusInProgress {
		s.inProgress--
	}
	e.rec.Status = idempotency.StatusCompleted
	e.rec.Result = res.Clone()
	e.rec.LastAccessedAt = s.now()
	e.signal()
	return nil
}

// Fail releases the claim without caching anything and wakes all waiters.
func (s *Store) Fail(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key]
	if !ok {
		return idempotency.ErrNotFound
	}
	s.purgeLocked(key, e)
	return nil
}

// Wait blocks until the key's execution resolves. It re-reads the record on
// every wake so it observes the final state rather than the signal: a record
// that completed serves its cached result, a record that failed or vanished
// tells the caller to execute fresh with (nil, nil).
func (s *Store) Wait(ctx context.Context, key string, timeout time.Duration) (*result.Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		e, ok := s.records[key]
		if !ok {
			s.mu.Unlock()
			return nil, nil
		}
		now := s.now()
		if e.rec.Expired(now) {
			s.purgeLocked(key, e)
			s.mu.Unlock()
			return nil, nil
		}
		if e.rec.Status == idempotency.StatusCompleted {
			e.rec.LastAccessedAt = now
			res := e.rec.CachedResult()
			s.duplicatesPrevented++
			s.mu.Unlock()
			return res, nil
		}
		done := e.done
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-done:
		}
	}
}

// Cleanup purges every record at or past its expiry.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.records {
		if e.rec.Expired(now) {
			s.purgeLocked(key, e)
			removed++
		}
	}
	return removed, nil
}

// EnforceBound evicts the records least recently accessed until at most max
// remain.
func (s *Store) EnforceBound(ctx context.Context, max int) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	if max < 0 {
		max = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(len(s.records) - max), nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() idempotency.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idempotency.Stats{
		TotalRequests:       s.totalRequests,
		CacheHits:           s.cacheHits,
		CacheMisses:         s.cacheMisses,
		DuplicatesPrevented: s.duplicatesPrevented,
		InProgress:          s.inProgress,
	}
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the background sweeper. Stored records and in-flight waiters
// are unaffected.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.swept.Wait()
	return nil
}

func (s *Store) sweep(interval time.Duration) {
	defer s.swept.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		}
	}
}

// purgeLocked removes the entry and wakes its waiters. Callers hold mu.
func (s *Store) purgeLocked(key string, e *entry) {
	if e.rec.Status == idempotency.StatusInProgress {
		s.inProgress--
	}
	delete(s.records, key)
	e.signal()
}

// evictLocked removes the n records least recently accessed. Callers hold mu.
func (s *Store) evictLocked(n int) int {
	if n <= 0 {
		return 0
	}
	type aged struct {
		key string
		e   *entry
	}
	all := make([]aged, 0, len(s.records))
	for k, e := range s.records {
		all = append(all, aged{key: k, e: e})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].e.rec.LastAccessedAt.Before(all[j].e.rec.LastAccessedAt)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, victim := range all[:n] {
		s.purgeLocked(victim.key, victim.e)
	}
	return n
}
