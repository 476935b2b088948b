package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbeat/internal/clock"
	"taskbeat/internal/job"
	logx "taskbeat/pkg/logx"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func forEachDriver(t *testing.T, fn func(t *testing.T, b Broker, clk *clock.Fake)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		clk := clock.NewFake(t0)
		b := NewMemory(WithClock(clk.Now))
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b, clk)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		clk := clock.NewFake(t0)
		fn(t, NewRedis(client, "test", logx.Nop(), WithClock(clk.Now)), clk)
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))

		d, err := b.Dequeue(ctx, "w1", []string{"default"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "j1", d.JobID)
		assert.Equal(t, "default", d.Queue)
		assert.Equal(t, "w1", d.WorkerID)
		assert.Equal(t, 1, d.Deliveries)
		assert.NotEmpty(t, d.Token)
		assert.True(t, d.Expires.Equal(t0.Add(5*time.Second)))

		_, err = b.Dequeue(ctx, "w2", []string{"default"}, 5*time.Second)
		assert.ErrorIs(t, err, ErrEmpty, "a leased entry is invisible")

		require.NoError(t, b.Ack(ctx, d))
		clk.Advance(time.Minute)
		_, err = b.Dequeue(ctx, "w2", nil, 5*time.Second)
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestDequeueOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "late", "default", t0.Add(-time.Second)))
		require.NoError(t, b.Enqueue(ctx, "tie-a", "default", t0.Add(-2*time.Second)))
		require.NoError(t, b.Enqueue(ctx, "other", "system", t0.Add(-3*time.Second)))
		require.NoError(t, b.Enqueue(ctx, "tie-b", "default", t0.Add(-2*time.Second)))
		require.NoError(t, b.Enqueue(ctx, "future", "default", t0.Add(time.Second)))

		var got []string
		for {
			d, err := b.Dequeue(ctx, "w", []string{"default"}, time.Minute)
			if err != nil {
				require.ErrorIs(t, err, ErrEmpty)
				break
			}
			got = append(got, d.JobID)
		}
		assert.Equal(t, []string{"tie-a", "tie-b", "late"}, got)

		clk.Advance(time.Second)
		d, err := b.Dequeue(ctx, "w", []string{"default", "system"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "other", d.JobID)
		d, err = b.Dequeue(ctx, "w", []string{"default", "system"}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "future", d.JobID)
	})
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))

		first, err := b.Dequeue(ctx, "w1", nil, 5*time.Second)
		require.NoError(t, err)

		clk.Advance(4999 * time.Millisecond)
		_, err = b.Dequeue(ctx, "w2", nil, 5*time.Second)
		assert.ErrorIs(t, err, ErrEmpty, "lease still active")

		clk.Advance(time.Millisecond)
		second, err := b.Dequeue(ctx, "w2", nil, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "j1", second.JobID)
		assert.Equal(t, 2, second.Deliveries)
		assert.NotEqual(t, first.Token, second.Token)

		assert.ErrorIs(t, b.Ack(ctx, first), job.ErrLeaseExpired)
		assert.ErrorIs(t, b.Nack(ctx, first, 0), job.ErrLeaseExpired)
		_, err = b.Extend(ctx, first, time.Minute)
		assert.ErrorIs(t, err, job.ErrLeaseExpired)

		require.NoError(t, b.Ack(ctx, second))
	})
}

func TestEnqueueIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0.Add(time.Hour)))
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))

		depth, err := b.Depth(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, Depth{Ready: 1}, depth, "re-enqueue moves not_before")

		d, err := b.Dequeue(ctx, "w1", nil, time.Minute)
		require.NoError(t, err)

		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))
		_, err = b.Dequeue(ctx, "w2", nil, time.Minute)
		assert.ErrorIs(t, err, ErrEmpty, "active lease is untouched")
		require.NoError(t, b.Ack(ctx, d))
	})
}

func TestNackDelays(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))
		d, err := b.Dequeue(ctx, "w1", nil, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Nack(ctx, d, 3*time.Second))

		depth, err := b.Depth(ctx, []string{"default"})
		require.NoError(t, err)
		assert.Equal(t, Depth{Delayed: 1}, depth)

		clk.Advance(2 * time.Second)
		_, err = b.Dequeue(ctx, "w1", nil, time.Minute)
		assert.ErrorIs(t, err, ErrEmpty)

		clk.Advance(time.Second)
		d2, err := b.Dequeue(ctx, "w1", nil, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, d2.Deliveries)
	})
}

func TestExtendKeepsLease(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "j1", "default", t0))
		d, err := b.Dequeue(ctx, "w1", nil, 5*time.Second)
		require.NoError(t, err)

		clk.Advance(4 * time.Second)
		d, err = b.Extend(ctx, d, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, d.Expires.Equal(t0.Add(9*time.Second)))

		clk.Advance(4 * time.Second)
		_, err = b.Dequeue(ctx, "w2", nil, 5*time.Second)
		assert.ErrorIs(t, err, ErrEmpty)
		require.NoError(t, b.Ack(ctx, d))
	})
}

func TestDepthCounts(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "ready", "default", t0))
		require.NoError(t, b.Enqueue(ctx, "leased", "default", t0.Add(-time.Second)))
		require.NoError(t, b.Enqueue(ctx, "delayed", "default", t0.Add(time.Hour)))
		require.NoError(t, b.Enqueue(ctx, "elsewhere", "system", t0))
		_, err := b.Dequeue(ctx, "w1", []string{"default"}, 10*time.Second)
		require.NoError(t, err)

		depth, err := b.Depth(ctx, []string{"default"})
		require.NoError(t, err)
		assert.Equal(t, Depth{Ready: 1, Delayed: 1, Leased: 1}, depth)

		all, err := b.Depth(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, all.Total())

		clk.Advance(10 * time.Second)
		depth, err = b.Depth(ctx, []string{"default"})
		require.NoError(t, err)
		assert.Equal(t, Depth{Ready: 2, Delayed: 1}, depth, "expired lease counts as ready")
	})
}

func TestConcurrentDequeueSingleLease(t *testing.T) {
	forEachDriver(t, func(t *testing.T, b Broker, clk *clock.Fake) {
		ctx := context.Background()
		const jobs = 20
		for i := range jobs {
			require.NoError(t, b.Enqueue(ctx, fmt.Sprintf("j%02d", i), "default", t0))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					d, err := b.Dequeue(ctx, fmt.Sprintf("w%d", w), nil, time.Minute)
					if err != nil {
						return
					}
					mu.Lock()
					seen[d.JobID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s leased more than once", id)
		}
	})
}

func TestOpenRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), Config{Driver: "redis", URL: "redis://" + mr.Addr() + "/0", Prefix: "tb"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Enqueue(context.Background(), "j1", "default", time.Now()))
	assert.True(t, mr.Exists("tb:queue:default"))

	_, err = Open(context.Background(), Config{Driver: "redis", URL: "http://%zz"}, logx.Nop())
	assert.ErrorIs(t, err, ErrRedisURL)

	_, err = Open(context.Background(), Config{Driver: "kafka"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Enqueue(context.Background(), "j1", "default", time.Now()), ErrClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
}
