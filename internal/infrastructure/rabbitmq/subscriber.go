package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/finfolio/api-gateway/internal/correlation"
	"github.com/finfolio/api-gateway/internal/metrics"
)

const (
	reconnectBackoff = 250 * time.Millisecond

	// fallbackStatus stands in when a response omits the type property.
	fallbackStatus = "500"
)

// ResponseSink receives decoded bus responses. The correlation broker
// satisfies it.
type ResponseSink interface {
	Publish(e correlation.Event)
}

// Subscriber consumes worker responses from the fanout exchange and feeds
// them to the sink. One delivery is processed at a time; routing is a
// non-blocking enqueue, so a slow HTTP waiter never stalls the stream.
type Subscriber struct {
	transport *Transport
	sink      ResponseSink
	log       zerolog.Logger
}

func NewSubscriber(transport *Transport, sink ResponseSink, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		transport: transport,
		sink:      sink,
		log:       log.With().Str("component", "amqp_subscriber").Logger(),
	}
}

// Run supervises the consume loop until ctx is cancelled. Any fault tears
// the channel down and starts over with a fresh one and a fresh private
// queue; in-flight waiters ride out the gap or time out.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			s.log.Warn().Err(err).Msg("consume loop ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("subscriber stopped")
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	ch, err := s.transport.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	queue, err := DeclareResponseQueue(ch)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, server-generated
		false, // autoAck
		true,  // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	s.log.Info().Str("queue", queue).Msg("consuming responses")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			s.handleDelivery(d)
		}
	}
}

// handleDelivery acks, then routes. The fanout copy belongs to this
// instance alone, so there is no point holding the ack until delivery:
// if the waiter is gone the message has no other taker.
func (s *Subscriber) handleDelivery(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		s.log.Warn().Err(err).Msg("ack failed")
	}

	id := strings.TrimSpace(d.MessageId)
	if id == "" {
		metrics.RecordBusResponse("malformed")
		s.log.Warn().Msg("response without message_id dropped")
		return
	}

	// Workers put the HTTP status in the type property.
	code := strings.TrimSpace(d.Type)
	if code == "" {
		code = fallbackStatus
	}

	s.sink.Publish(correlation.Event{ID: id, Payload: d.Body, Code: code})
}
