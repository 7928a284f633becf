package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/result"
)

func newEnvelope(t *testing.T, user string, params map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Request{
		ToolName:       "file_tool",
		CapabilityName: "write",
		Parameters:     params,
		Context:        envelope.RequestContext{CompanyID: "acme", UserID: user},
	})
	require.NoError(t, err)
	return env
}

func TestCheckBeginCompleteCheck(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	status, cached, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyNew, status)
	require.Nil(t, cached)

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	res := result.OK(env.RequestID, map[string]any{"x": 1})
	require.NoError(t, s.Complete(ctx, key, res))

	status, cached, err = s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyDuplicate, status)
	require.NotNil(t, cached)
	require.True(t, cached.Success)
	require.Equal(t, map[string]any{"x": 1}, cached.Data)
	require.Equal(t, result.IdempotencyDuplicate, cached.IdempotencyStatus)
	require.NotNil(t, cached.CachedAt)
}

func TestFailNeverCaches(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, key))

	status, cached, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyNew, status)
	require.Nil(t, cached)
}

func TestBeginRejectsLiveClaim(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	_, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	_, err = s.Begin(ctx, env, time.Hour)
	require.ErrorIs(t, err, idempotency.ErrClaimed)
}

func TestExpiryAtInstantIsExpired(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	var mu sync.Mutex
	s := New(Options{Clock: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	key, err := s.Begin(ctx, env, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, nil)))

	mu.Lock()
	clock = now.Add(time.Minute)
	mu.Unlock()

	status, cached, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyExpired, status)
	require.Nil(t, cached)
	require.Equal(t, 0, s.Len())
}

func TestWaitCoalescesConcurrentDuplicates(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"ok": 1})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*result.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Wait(ctx, key, 5*time.Second)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, map[string]any{"ok": 1})))
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		require.Equal(t, map[string]any{"ok": 1}, res.Data)
		require.Equal(t, result.IdempotencyDuplicate, res.IdempotencyStatus)
	}
	require.EqualValues(t, 3, s.Stats().DuplicatesPrevented)
}

func TestWaitReturnsNilWhenClaimFails(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	done := make(chan struct{})
	var res *result.Result
	go func() {
		defer close(done)
		res, err = s.Wait(ctx, key, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Fail(ctx, key))
	<-done
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestWaitTimeout(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	res, err := s.Wait(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestCleanupPurgesExpired(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	var mu sync.Mutex
	s := New(Options{Clock: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}})
	defer s.Close()
	ctx := context.Background()

	for i, params := range []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}} {
		env := newEnvelope(t, "u1", params)
		key, err := s.Begin(ctx, env, time.Duration(i+1)*time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, nil)))
	}

	mu.Lock()
	clock = now.Add(2 * time.Minute)
	mu.Unlock()

	removed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, s.Len())
}

func TestEnforceBoundEvictsOldestAccessed(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()

	envs := make([]*envelope.Envelope, 4)
	for i := range envs {
		envs[i] = newEnvelope(t, "u1", map[string]any{"n": i})
		key, err := s.Begin(ctx, envs[i], time.Hour)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, key, result.OK(envs[i].RequestID, nil)))
		time.Sleep(2 * time.Millisecond)
	}

	// Touch the first record so it is no longer the LRU victim.
	_, _, err := s.Check(ctx, envs[0])
	require.NoError(t, err)

	evicted, err := s.EnforceBound(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)
	require.Equal(t, 2, s.Len())

	status, _, err := s.Check(ctx, envs[0])
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyDuplicate, status)
}

func TestStatsCounters(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	ctx := context.Background()
	env := newEnvelope(t, "u1", map[string]any{"a": 1})

	_, _, err := s.Check(ctx, env)
	require.NoError(t, err)

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Stats().InProgress)

	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, nil)))
	_, _, err = s.Check(ctx, env)
	require.NoError(t, err)

	stats := s.Stats()
	require.EqualValues(t, 2, stats.TotalRequests)
	require.EqualValues(t, 1, stats.CacheHits)
	require.EqualValues(t, 1, stats.CacheMisses)
	require.EqualValues(t, 0, stats.InProgress)
}
