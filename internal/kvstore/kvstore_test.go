package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	t.Run("get absent", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
		val, ok, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), val)
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k2", []byte("abc"), 0))
		val, _, _ := s.Get(ctx, "k2")
		val[0] = 'z'
		again, _, _ := s.Get(ctx, "k2")
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
		_, ok, _ := s.Get(ctx, "short")
		assert.True(t, ok)

		time.Sleep(25 * time.Millisecond)
		_, ok, err := s.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k3", []byte("v"), 0))
		require.NoError(t, s.Delete(ctx, "k3"))
		_, ok, _ := s.Get(ctx, "k3")
		assert.False(t, ok)

		assert.NoError(t, s.Delete(ctx, "k3"))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		fresh := NewMemory()
		require.NoError(t, fresh.Set(ctx, "task:a", []byte("1"), 0))
		require.NoError(t, fresh.Set(ctx, "task:b", []byte("2"), 0))
		require.NoError(t, fresh.Set(ctx, "other:c", []byte("3"), 0))

		keys, err := fresh.Keys(ctx, "task:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"task:a", "task:b"}, keys)
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	s, err := NewRedis(ctx, srv.Addr(), "", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	t.Run("get absent maps redis.Nil to miss", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
		val, ok, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), val)
	})

	t.Run("ttl enforced server-side", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "short", []byte("v"), time.Second))

		srv.FastForward(2 * time.Second)
		_, ok, err := s.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k2", []byte("v"), 0))
		require.NoError(t, s.Delete(ctx, "k2"))
		_, ok, _ := s.Get(ctx, "k2")
		assert.False(t, ok)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "task:a", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "task:b", []byte("2"), 0))
		require.NoError(t, s.Set(ctx, "other:c", []byte("3"), 0))

		keys, err := s.Keys(ctx, "task:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"task:a", "task:b"}, keys)
	})
}

func TestNewRedisPingFailure(t *testing.T) {
	_, err := NewRedis(context.Background(), "127.0.0.1:1", "", 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}
