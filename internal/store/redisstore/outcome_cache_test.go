package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
	"github.com/austindbirch/harbor_relay/internal/store/redisstore"
)

// countingLog records how often the backing log is consulted.
type countingLog struct {
	*memory.Commands
	gets int
}

func (c *countingLog) Get(ctx context.Context, installID, key string) (*delivery.CommandRecord, error) {
	c.gets++
	return c.Commands.Get(ctx, installID, key)
}

func TestOutcomeCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	backing := &countingLog{Commands: memory.NewCommands()}
	cache := redisstore.NewOutcomeCache(backing, client, "hr:", time.Hour)
	ctx := context.Background()
	rec := delivery.CommandRecord{InstallID: "in_1", IdempotencyKey: "k1", Command: "deal.update"}

	t.Run("first claim goes to backing log", func(t *testing.T) {
		existing, claimed, err := cache.Claim(ctx, rec)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Nil(t, existing)
		assert.False(t, mr.Exists("hr:cmd:in_1:k1"))
	})

	t.Run("complete populates cache", func(t *testing.T) {
		done := time.Now().UTC()
		rec.Status = delivery.CommandExecuted
		rec.Result = []byte(`{"ok":true}`)
		rec.CompletedAt = &done
		require.NoError(t, cache.Complete(ctx, rec))
		assert.True(t, mr.Exists("hr:cmd:in_1:k1"))
		assert.Equal(t, time.Hour, mr.TTL("hr:cmd:in_1:k1"))
	})

	t.Run("replayed claim served from cache", func(t *testing.T) {
		before := backing.gets
		existing, claimed, err := cache.Claim(ctx, rec)
		require.NoError(t, err)
		assert.False(t, claimed)
		require.NotNil(t, existing)
		assert.Equal(t, delivery.CommandExecuted, existing.Status)
		assert.JSONEq(t, `{"ok":true}`, string(existing.Result))
		assert.Equal(t, before, backing.gets)
	})

	t.Run("redis outage falls back to backing log", func(t *testing.T) {
		down := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer down.Close()
		degraded := redisstore.NewOutcomeCache(backing, down, "hr:", time.Hour)
		got, err := degraded.Get(ctx, "in_1", "k1")
		require.NoError(t, err)
		assert.Equal(t, delivery.CommandExecuted, got.Status)
	})
}
