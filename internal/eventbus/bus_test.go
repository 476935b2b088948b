package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, "job.succeeded", "job.abandoned")
	defer unsubDone()

	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "job.succeeded", Data: "j1"})

	require.Len(t, all, 2)
	require.Len(t, done, 1)
	e := <-done
	assert.Equal(t, "job.succeeded", e.Type)
	assert.Equal(t, "j1", e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		ch, unsub := b.Subscribe(2)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Publish(Event{Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			<-ch
			unsub()
		}()
	}
	wg.Wait()
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, "x", nil)
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	Publish(b, "x", 1)
	assert.Equal(t, 1, (<-ch).Data)
}
