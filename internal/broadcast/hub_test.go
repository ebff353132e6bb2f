// ABOUTME: Tests for the broadcast hub
// ABOUTME: Fan-out to all subscribers, targeted sends, drop-on-full, cleanup

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_ReachesAllSubscribers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx := context.Background()
	ch1, _ := h.Subscribe(ctx, "s1")
	ch2, _ := h.Subscribe(ctx, "s2")

	h.Publish(NewClaim("628123@ext.chat", "alice"))

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeClaim, ev.Type)
			assert.Equal(t, "alice", ev.Holder)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSendTo_TargetsOneSubscriber(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx := context.Background()
	ch1, _ := h.Subscribe(ctx, "s1")
	ch2, _ := h.Subscribe(ctx, "s2")

	require.True(t, h.SendTo("s1", NewAutoRelease("k", "alice")))

	select {
	case ev := <-ch1:
		assert.Equal(t, TypeAutoRelease, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("targeted subscriber did not receive event")
	}

	select {
	case <-ch2:
		t.Fatal("non-targeted subscriber received event")
	default:
	}

	assert.False(t, h.SendTo("unknown", NewRead("k")))
}

func TestPublish_DropsWhenFull(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, _ := h.Subscribe(context.Background(), "slow")

	// Overfill the subscriber buffer; Publish must never block
	for i := 0; i < subscriberBufferSize+10; i++ {
		h.Publish(NewRead("k"))
	}

	// Buffer holds exactly its capacity
	assert.Len(t, ch, subscriberBufferSize)
}

func TestPublish_ConcurrentSubscriberChurn(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	// Publishing must never land on a channel that Unsubscribe has
	// already closed, no matter how the two interleave.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				h.Publish(NewRead("k"))
				h.SendTo("churn", NewRead("k"))
			}
		}
	}()

	for i := 0; i < 500; i++ {
		h.Subscribe(context.Background(), "churn")
		h.Unsubscribe("churn")
	}

	close(done)
	wg.Wait()
}

func TestSubscribe_ContextCancelCleansUp(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "s1")
	require.Equal(t, 1, h.Count())

	cancel()

	// Channel closes once the cleanup goroutine runs
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, h.Count())
}

func TestSubscribe_GeneratesID(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	_, id := h.Subscribe(context.Background(), "")
	assert.NotEmpty(t, id)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	h.Subscribe(context.Background(), "s1")
	h.Unsubscribe("s1")
	h.Unsubscribe("s1")
	assert.Equal(t, 0, h.Count())
}
