package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisClient connects to REDIS_ADDR or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestRedisDirectory(t *testing.T) {
	ctx := context.Background()
	rdb := redisClient(t)

	key := "presence:test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })
	d := NewRedisDirectory(rdb, key)

	require.NoError(t, d.Add(ctx, "bob"))
	require.NoError(t, d.Add(ctx, "alice"))
	require.NoError(t, d.Add(ctx, "bob"))
	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, list)

	require.NoError(t, d.Remove(ctx, "bob"))
	online, err := d.Online(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, d.Remove(ctx, "bob"))
	list, err = d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, list)
	online, err = d.Online(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	rdb := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := NewRedisBus(rdb, "presence:test:"+uuid.NewString())
	frames, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	want := Frame{Origin: "p1", To: "bob", Envelope: types.MustEnvelope(types.EventInvitePlayer, types.Invite{FromUser: "alice", ToUser: "bob"})}
	require.NoError(t, bus.Publish(ctx, want))
	select {
	case got := <-frames:
		assert.Equal(t, want.Origin, got.Origin)
		assert.Equal(t, want.To, got.To)
		assert.Equal(t, want.Envelope.Event, got.Envelope.Event)
		assert.JSONEq(t, string(want.Envelope.Data), string(got.Envelope.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("frame never came back")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-frames
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
