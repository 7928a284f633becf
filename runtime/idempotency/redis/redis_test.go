package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/result"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := New(Options{Client: rdb})
	require.NoError(t, err)
	return s, mr
}

func newEnvelope(t *testing.T, params map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Request{
		ToolName:       "scada_tool",
		CapabilityName: "read_tag",
		Parameters:     params,
		Context:        envelope.RequestContext{CompanyID: "acme", UserID: "u1"},
	})
	require.NoError(t, err)
	return env
}

func TestRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	status, cached, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyNew, status)
	require.Nil(t, cached)

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, map[string]any{"value": 42.5})))

	status, cached, err = s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyDuplicate, status)
	require.NotNil(t, cached)
	require.Equal(t, result.IdempotencyDuplicate, cached.IdempotencyStatus)
	require.NotNil(t, cached.CachedAt)
	require.Equal(t, map[string]any{"value": 42.5}, cached.Data)
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	_, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	_, err = s.Begin(ctx, env, time.Hour)
	require.ErrorIs(t, err, idempotency.ErrClaimed)
}

func TestFailReleasesClaim(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, key))

	status, _, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyNew, status)

	_, err = s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)
}

func TestWaitWakesOnCompletion(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	done := make(chan *result.Result, 1)
	go func() {
		res, err := s.Wait(ctx, key, 5*time.Second)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, map[string]any{"ok": true})))

	select {
	case res := <-done:
		require.NotNil(t, res)
		require.Equal(t, map[string]any{"ok": true}, res.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWaitTimesOut(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	key, err := s.Begin(ctx, env, time.Hour)
	require.NoError(t, err)

	res, err := s.Wait(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestTTLExpiryTreatedAsAbsent(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	env := newEnvelope(t, map[string]any{"tag": "P-101"})

	key, err := s.Begin(ctx, env, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, nil)))

	mr.FastForward(time.Minute)

	status, cached, err := s.Check(ctx, env)
	require.NoError(t, err)
	require.Equal(t, result.IdempotencyNew, status)
	require.Nil(t, cached)
}

func TestEnforceBound(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env := newEnvelope(t, map[string]any{"n": i})
		key, err := s.Begin(ctx, env, time.Hour)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, key, result.OK(env.RequestID, nil)))
		time.Sleep(2 * time.Millisecond)
	}

	evicted, err := s.EnforceBound(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)

	evicted, err = s.EnforceBound(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, evicted)
}
