package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"detect-bridge/internal/detect"
)

func newRedisGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGate(client, RedisConfig{Prefix: "test", LockTTL: time.Minute}, zaptest.NewLogger(t)), mr
}

func gates(t *testing.T) map[string]Gate {
	rg, _ := newRedisGate(t)
	return map[string]Gate{
		"memory": NewMemoryGate(),
		"redis":  rg,
	}
}

func TestGateRejectsSecondAdmission(t *testing.T) {
	for name, g := range gates(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			release, err := g.TryAdmit(ctx, "alice")
			require.NoError(t, err)

			_, err = g.TryAdmit(ctx, "alice")
			assert.ErrorIs(t, err, detect.ErrBusy)

			release()

			again, err := g.TryAdmit(ctx, "alice")
			require.NoError(t, err)
			again()
		})
	}
}

func TestGateRequestersAreIndependent(t *testing.T) {
	for name, g := range gates(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := g.TryAdmit(ctx, "alice")
			require.NoError(t, err)
			defer a()

			b, err := g.TryAdmit(ctx, "bob")
			require.NoError(t, err)
			b()
		})
	}
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	for name, g := range gates(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			release, err := g.TryAdmit(ctx, "alice")
			require.NoError(t, err)
			release()

			holder, err := g.TryAdmit(ctx, "alice")
			require.NoError(t, err)

			// A second call on the stale release must not free the new holder.
			release()
			_, err = g.TryAdmit(ctx, "alice")
			assert.ErrorIs(t, err, detect.ErrBusy)
			holder()
		})
	}
}

func TestMemoryGateConcurrentAdmission(t *testing.T) {
	g := NewMemoryGate()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		start    = make(chan struct{})
		hold     = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := g.TryAdmit(ctx, "alice")
			if err != nil {
				return
			}
			admitted.Add(1)
			<-hold
			release()
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	close(hold)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, 1, g.Len())
}

func TestRedisGateLockExpires(t *testing.T) {
	g, mr := newRedisGate(t)
	ctx := context.Background()

	_, err := g.TryAdmit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:gate:alice"))

	mr.FastForward(2 * time.Minute)

	release, err := g.TryAdmit(ctx, "alice")
	require.NoError(t, err)
	release()
	assert.False(t, mr.Exists("test:gate:alice"))
}

func TestRedisGateReleaseKeepsForeignLock(t *testing.T) {
	g, mr := newRedisGate(t)
	ctx := context.Background()

	release, err := g.TryAdmit(ctx, "alice")
	require.NoError(t, err)

	// Another replica took the lock after ours expired.
	require.NoError(t, mr.Set("test:gate:alice", "someone-else"))
	release()

	got, err := mr.Get("test:gate:alice")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Ping(ctx, NewMemoryGate()), "memory gate has nothing to ping")

	g, mr := newRedisGate(t)
	require.NoError(t, Ping(ctx, g))

	mr.Close()
	assert.Error(t, Ping(ctx, g))
}

func TestFactory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assert.IsType(t, &MemoryGate{}, New(Config{Backend: "memory"}, nil, nil))
	assert.IsType(t, &MemoryGate{}, New(Config{}, nil, nil))
	assert.IsType(t, &RedisGate{}, New(Config{Backend: "redis", Prefix: "p"}, client, nil))
}
