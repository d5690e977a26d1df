// Package rabbitmq carries the gateway's bus leg: a pooled connection
// transport, the request publisher and the response subscriber.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Bus topology shared with the backend workers.
const (
	// RequestQueue is the durable queue workers consume request
	// envelopes from. Published via the default exchange.
	RequestQueue = "http.requests"

	// ResponseExchange is the fanout exchange workers publish responses
	// to. Every gateway instance binds its own private queue and filters
	// by correlation id.
	ResponseExchange = "http.responses"
)

const (
	dialTimeout     = 5 * time.Second
	acquireAttempts = 3
	acquireBackoff  = 250 * time.Millisecond
)

var errTransportClosed = errors.New("transport is closed")

// Transport hands out AMQP channels on a small pool of lazily dialed
// connections. Connections are picked round-robin; one that faults is
// dropped from the pool and redialed on the next acquisition.
type Transport struct {
	url string
	log zerolog.Logger

	mu    sync.Mutex
	conns []*amqp.Connection
	next  int
	done  bool
}

func NewTransport(url string, poolSize int, log zerolog.Logger) *Transport {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Transport{
		url:   url,
		conns: make([]*amqp.Connection, poolSize),
		log:   log.With().Str("component", "amqp_transport").Logger(),
	}
}

// OpenChannel returns a fresh channel on a pooled connection. Each caller
// owns the returned channel exclusively and must drop it on any fault.
// Acquisition is bounded so an unreachable bus surfaces as an error
// instead of a hang.
func (t *Transport) OpenChannel(ctx context.Context) (*amqp.Channel, error) {
	var lastErr error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(acquireBackoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := t.openOnce()
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, errTransportClosed) {
			return nil, err
		}
		lastErr = err
		t.log.Warn().Err(err).Int("attempt", attempt+1).Msg("channel acquisition failed")
	}
	return nil, fmt.Errorf("open channel: %w", lastErr)
}

func (t *Transport) openOnce() (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, errTransportClosed
	}

	slot := t.next % len(t.conns)
	t.next++

	conn := t.conns[slot]
	if conn == nil || conn.IsClosed() {
		fresh, err := amqp.DialConfig(t.url, amqp.Config{
			Dial:      amqp.DefaultDial(dialTimeout),
			Heartbeat: 10 * time.Second,
		})
		if err != nil {
			t.conns[slot] = nil
			return nil, fmt.Errorf("dial bus: %w", err)
		}
		t.log.Info().Int("slot", slot).Msg("bus connection established")
		t.conns[slot] = fresh
		conn = fresh
	}

	ch, err := conn.Channel()
	if err != nil {
		// Channel creation failing means the connection is sick; drop it
		// so the next acquisition redials.
		_ = conn.Close()
		t.conns[slot] = nil
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Close tears down every pooled connection. Channels handed out earlier
// die with their connections, so this runs last during shutdown.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.done = true
	for i, conn := range t.conns {
		if conn != nil && !conn.IsClosed() {
			_ = conn.Close()
		}
		t.conns[i] = nil
	}
	t.log.Info().Msg("bus transport closed")
}

// DeclareRequestQueue declares the durable request queue. Declarations
// are idempotent, so every fresh publisher channel runs this.
func DeclareRequestQueue(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		RequestQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", RequestQueue, err)
	}
	return nil
}

// DeclareResponseQueue declares the fanout response exchange and binds a
// private server-named queue to it. The queue is exclusive to the calling
// channel and deleted when the consumer goes away, so reconnecting always
// starts from an empty queue.
func DeclareResponseQueue(ch *amqp.Channel) (string, error) {
	err := ch.ExchangeDeclare(
		ResponseExchange,
		"fanout",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", ResponseExchange, err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare response queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", ResponseExchange, false, nil); err != nil {
		return "", fmt.Errorf("bind %s to %s: %w", q.Name, ResponseExchange, err)
	}
	return q.Name, nil
}
