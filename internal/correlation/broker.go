// Package correlation routes bus responses back to the HTTP handlers
// waiting for them. Every proxied request registers its correlation id
// with the broker before publishing; the subscriber feeds decoded
// responses in, and the broker hands each one to the single waiter that
// owns its id.
package correlation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/finfolio/api-gateway/internal/metrics"
)

// Event is one backend response addressed to a correlation id.
type Event struct {
	ID      string
	Payload []byte
	Code    string
}

type subscription struct {
	id   string
	slot chan Event
}

const opBuffer = 128

// Broker owns the id-to-slot table. All mutation happens on the Run
// goroutine; Subscribe, Unsubscribe and Publish only enqueue operations,
// so callers never contend on a lock and a slow waiter cannot stall
// response ingestion for other ids.
type Broker struct {
	subCh   chan subscription
	unsubCh chan string
	pubCh   chan Event
	done    chan struct{}
	log     zerolog.Logger
}

func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		subCh:   make(chan subscription, opBuffer),
		unsubCh: make(chan string, opBuffer),
		pubCh:   make(chan Event, opBuffer),
		done:    make(chan struct{}),
		log:     log.With().Str("component", "correlation_broker").Logger(),
	}
}

// Run processes operations until ctx is cancelled, then flushes whatever
// was already queued and wakes every remaining waiter by closing its
// slot. Call it from a dedicated goroutine before serving traffic.
func (b *Broker) Run(ctx context.Context) {
	subs := make(map[string]chan Event)
	for {
		select {
		case s := <-b.subCh:
			b.register(subs, s)
		case id := <-b.unsubCh:
			b.remove(subs, id)
		case e := <-b.pubCh:
			b.deliver(subs, e)
		case <-ctx.Done():
			b.shutdown(subs)
			return
		}
	}
}

// Subscribe registers id and returns the receive side of its slot. The
// slot carries at most one event and is closed on Unsubscribe and on
// broker shutdown, so a blocked waiter always wakes.
func (b *Broker) Subscribe(id string) <-chan Event {
	slot := make(chan Event, 1)
	select {
	case b.subCh <- subscription{id: id, slot: slot}:
	case <-b.done:
		close(slot)
	}
	return slot
}

// Unsubscribe removes id from the table. Idempotent: ids that were never
// subscribed, already delivered or already removed are a no-op.
func (b *Broker) Unsubscribe(id string) {
	select {
	case b.unsubCh <- id:
	case <-b.done:
	}
}

// Publish routes a response to the waiter owning e.ID. Responses with no
// live subscription are counted and dropped.
func (b *Broker) Publish(e Event) {
	select {
	case b.pubCh <- e:
	case <-b.done:
		metrics.RecordBusResponse("orphaned")
	}
}

func (b *Broker) register(subs map[string]chan Event, s subscription) {
	if prev, ok := subs[s.id]; ok {
		// Two subscriptions under one id is a caller bug. The later
		// waiter wins; the earlier one observes a closed slot.
		b.log.Error().Str("correlation_id", s.id).Msg("duplicate subscription, dropping previous waiter")
		close(prev)
	}
	subs[s.id] = s.slot
	metrics.SetActiveSubscriptions(len(subs))
}

func (b *Broker) remove(subs map[string]chan Event, id string) {
	slot, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(slot)
	metrics.SetActiveSubscriptions(len(subs))
}

// deliver sends e to its waiter without ever blocking. The mapping is
// removed after the first successful send, so each id receives at most
// one event.
func (b *Broker) deliver(subs map[string]chan Event, e Event) {
	slot, ok := subs[e.ID]
	if !ok {
		metrics.RecordBusResponse("orphaned")
		b.log.Debug().Str("correlation_id", e.ID).Msg("response without waiter discarded")
		return
	}
	select {
	case slot <- e:
		delete(subs, e.ID)
		metrics.SetActiveSubscriptions(len(subs))
		metrics.RecordBusResponse("delivered")
	default:
		metrics.RecordBusResponse("orphaned")
	}
}

// shutdown closes done first so new operations stop enqueueing, flushes
// the operations that raced in before that, then closes every remaining
// slot. Waiters still blocked come back with a timeout response.
func (b *Broker) shutdown(subs map[string]chan Event) {
	close(b.done)
	for {
		select {
		case s := <-b.subCh:
			close(s.slot)
		case id := <-b.unsubCh:
			b.remove(subs, id)
		case e := <-b.pubCh:
			b.deliver(subs, e)
		default:
			for id, slot := range subs {
				delete(subs, id)
				close(slot)
			}
			metrics.SetActiveSubscriptions(0)
			go b.drain()
			b.log.Info().Msg("correlation broker stopped")
			return
		}
	}
}

// drain consumes operations that enqueue after shutdown: the op channels
// are buffered, so a late Subscribe or Publish can win the send case of
// its select even with done already closed. Such subscriptions get their
// slot closed and such responses count as orphaned, same as the done
// path. Runs for the rest of the process; the broker is not restartable.
func (b *Broker) drain() {
	for {
		select {
		case s := <-b.subCh:
			close(s.slot)
		case <-b.unsubCh:
		case <-b.pubCh:
			metrics.RecordBusResponse("orphaned")
		}
	}
}
