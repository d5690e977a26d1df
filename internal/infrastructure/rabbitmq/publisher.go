package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/finfolio/api-gateway/internal/contracts/event"
	"github.com/finfolio/api-gateway/internal/metrics"
)

// envelopeTTL bounds how long an unconsumed envelope may sit in the
// request queue. Workers also read the deadline from the expiration
// property to skip requests nobody waits for anymore.
const envelopeTTL = 120 * time.Second

// Publisher sends request envelopes to the request queue. It keeps one
// channel of its own, separate from the subscriber's: each side drops and
// reopens its channel on error without coordinating with the other.
type Publisher struct {
	transport *Transport
	log       zerolog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(transport *Transport, log zerolog.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		log:       log.With().Str("component", "amqp_publisher").Logger(),
	}
}

// NewCorrelationID mints the id for one proxied request. The handler
// needs it before publishing, so it can register its waiter first.
func (p *Publisher) NewCorrelationID() string {
	return uuid.NewString()
}

// Publish encodes req and publishes it under id. Exactly one attempt: a
// retry could reach a worker twice, and the handler has no way to tell
// the two responses apart.
func (p *Publisher) Publish(ctx context.Context, id string, req *event.HTTPRequest) error {
	body, err := req.Encode()
	if err != nil {
		metrics.RecordBusPublish("error")
		return err
	}

	ch, err := p.channel(ctx)
	if err != nil {
		metrics.RecordBusPublish("error")
		return fmt.Errorf("acquire channel: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/octet-stream",
		MessageId:    id,
		DeliveryMode: amqp.Transient,
		Expiration:   expirationFrom(time.Now()),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, "", RequestQueue, false, false, pub); err != nil {
		p.dropChannel(ch)
		metrics.RecordBusPublish("error")
		return fmt.Errorf("publish request: %w", err)
	}

	metrics.RecordBusPublish("ok")
	return nil
}

// Close drops the publisher channel. The pooled connections stay up; the
// transport owns those.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// expirationFrom renders the envelope deadline the way workers expect it:
// whole seconds since the Unix epoch, ASCII decimal.
func expirationFrom(now time.Time) string {
	return strconv.FormatInt(now.Add(envelopeTTL).Unix(), 10)
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.transport.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	if err := DeclareRequestQueue(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// dropChannel discards a channel that faulted mid-publish. Another
// goroutine may have replaced it already; only the current one is
// cleared.
func (p *Publisher) dropChannel(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.ch = nil
	}
	_ = ch.Close()
	p.log.Warn().Msg("publisher channel dropped")
}
