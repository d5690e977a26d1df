package correlation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) (*Broker, context.CancelFunc) {
	t.Helper()

	b := NewBroker(zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return b, cancel
}

func recvEvent(t *testing.T, rx <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-rx:
		require.True(t, ok, "slot closed before delivery")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Event{}
	}
}

func requireClosed(t *testing.T, rx <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-rx:
		require.False(t, ok, "expected closed slot, got delivery")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slot to close")
	}
}

func requireNoEvent(t *testing.T, rx <-chan Event) {
	t.Helper()
	select {
	case e, ok := <-rx:
		if ok {
			t.Fatalf("unexpected delivery: %+v", e)
		}
		t.Fatal("slot unexpectedly closed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	b, _ := startBroker(t)

	rx := b.Subscribe("req-1")
	b.Publish(Event{ID: "req-1", Payload: []byte(`{"data":[]}`), Code: "200"})

	e := recvEvent(t, rx)
	assert.Equal(t, "req-1", e.ID)
	assert.Equal(t, "200", e.Code)
	assert.Equal(t, []byte(`{"data":[]}`), e.Payload)
}

func TestPublishWithoutWaiterIsDropped(t *testing.T) {
	b, _ := startBroker(t)

	b.Publish(Event{ID: "orphan", Code: "200"})
	time.Sleep(50 * time.Millisecond)

	// A later subscription under the same id must not see the stale event.
	rx := b.Subscribe("orphan")
	requireNoEvent(t, rx)
}

func TestAtMostOneDeliveryPerID(t *testing.T) {
	b, _ := startBroker(t)

	rx := b.Subscribe("req-1")
	b.Publish(Event{ID: "req-1", Code: "200"})
	b.Publish(Event{ID: "req-1", Code: "201"})

	e := recvEvent(t, rx)
	assert.Equal(t, "200", e.Code)
	requireNoEvent(t, rx)
}

func TestUnsubscribeClosesSlot(t *testing.T) {
	b, _ := startBroker(t)

	rx := b.Subscribe("req-1")
	b.Unsubscribe("req-1")
	requireClosed(t, rx)

	// Responses arriving after the waiter left are dropped silently.
	b.Publish(Event{ID: "req-1", Code: "200"})
	time.Sleep(50 * time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b, _ := startBroker(t)

	rx := b.Subscribe("req-1")
	b.Unsubscribe("req-1")
	b.Unsubscribe("req-1")
	b.Unsubscribe("never-subscribed")
	requireClosed(t, rx)
}

func TestDuplicateSubscribeDropsPreviousWaiter(t *testing.T) {
	b, _ := startBroker(t)

	first := b.Subscribe("req-1")
	second := b.Subscribe("req-1")

	// The first slot closing proves both registrations were processed.
	requireClosed(t, first)

	b.Publish(Event{ID: "req-1", Code: "204"})
	e := recvEvent(t, second)
	assert.Equal(t, "204", e.Code)
}

func TestShutdownClosesRemainingSlots(t *testing.T) {
	b, cancel := startBroker(t)

	rx := b.Subscribe("req-1")
	time.Sleep(50 * time.Millisecond)
	cancel()

	requireClosed(t, rx)
}

func TestShutdownFlushesQueuedResponses(t *testing.T) {
	b, cancel := startBroker(t)

	rx := b.Subscribe("req-1")
	time.Sleep(50 * time.Millisecond)

	b.Publish(Event{ID: "req-1", Payload: []byte("late"), Code: "200"})
	cancel()

	e := recvEvent(t, rx)
	assert.Equal(t, []byte("late"), e.Payload)
}

func TestOperationsAfterShutdownDoNotBlock(t *testing.T) {
	b, cancel := startBroker(t)
	cancel()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rx := b.Subscribe("req-1")
		requireClosed(t, rx)
		b.Unsubscribe("req-1")
		b.Publish(Event{ID: "req-1", Code: "200"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broker operations blocked after shutdown")
	}
}

func TestSubscribeAfterShutdownAlwaysClosesSlot(t *testing.T) {
	b, cancel := startBroker(t)
	cancel()
	time.Sleep(50 * time.Millisecond)

	// The op buffers outlive Run, so a late Subscribe can win the enqueue
	// arm of its select instead of the done arm. Those slots must close
	// too, for every call, not just the ones that hit the done arm.
	for i := 0; i < 200; i++ {
		rx := b.Subscribe(fmt.Sprintf("late-%d", i))
		requireClosed(t, rx)
	}

	// Late responses are consumed as orphans rather than pinning the
	// publish buffer.
	for i := 0; i < 200; i++ {
		b.Publish(Event{ID: fmt.Sprintf("late-%d", i), Code: "200"})
	}
}

func TestManyConcurrentWaiters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}

	b, _ := startBroker(t)

	const waiters = 10000
	var wg sync.WaitGroup
	errCh := make(chan error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			id := fmt.Sprintf("req-%d", i)
			rx := b.Subscribe(id)
			defer b.Unsubscribe(id)

			go func() {
				// Simulated backend latency keeps the response behind
				// the registration, as on a real bus round trip.
				time.Sleep(50 * time.Millisecond)
				b.Publish(Event{ID: id, Payload: []byte(id), Code: "200"})
			}()

			select {
			case e, ok := <-rx:
				if !ok {
					errCh <- fmt.Errorf("%s: slot closed before delivery", id)
					return
				}
				if string(e.Payload) != id {
					errCh <- fmt.Errorf("%s: got payload %q", id, e.Payload)
				}
			case <-time.After(10 * time.Second):
				errCh <- fmt.Errorf("%s: timed out", id)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}
