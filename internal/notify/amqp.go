package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrNotConfirmed = errors.New("notification not confirmed by broker")

// Channel is the slice of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	Close() error
}

const confirmBuffer = 64

// Publisher pushes notifications onto a durable queue and waits for the
// broker to confirm each one. Confirms are matched to publishes by delivery
// tag; a confirm whose publisher stopped waiting is dropped.
type Publisher struct {
	ch    Channel
	queue string
	log   *zap.Logger

	// publishMu keeps the sequence number read and the publish together.
	publishMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan bool
}

// Dial opens a connection and channel to url and returns a publisher on queue.
// The returned close func releases both.
func Dial(url, queue string, log *zap.Logger) (*Publisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := NewPublisher(ch, queue, log)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		_ = p.ch.Close()
		return conn.Close()
	}
	log.Info("connected to rabbitmq", zap.String("queue", queue))
	return p, closeFn, nil
}

func NewPublisher(ch Channel, queue string, log *zap.Logger) (*Publisher, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	p := &Publisher{
		ch:      ch,
		queue:   queue,
		log:     log,
		pending: make(map[uint64]chan bool),
	}
	go p.dispatch(ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)))
	return p, nil
}

// dispatch hands each confirm to the publish waiting on its tag. It returns
// when the channel closes and the library closes confirms.
func (p *Publisher) dispatch(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		p.mu.Lock()
		waiter, ok := p.pending[c.DeliveryTag]
		delete(p.pending, c.DeliveryTag)
		p.mu.Unlock()

		if !ok {
			p.log.Debug("dropping confirm with no waiter",
				zap.Uint64("delivery_tag", c.DeliveryTag),
				zap.Bool("ack", c.Ack),
			)
			continue
		}
		waiter <- c.Ack
	}
}

func (p *Publisher) forget(tag uint64) {
	p.mu.Lock()
	delete(p.pending, tag)
	p.mu.Unlock()
}

// publish sends msg and returns the tag it was published under along with
// the channel its confirm will arrive on.
func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) (uint64, <-chan bool, error) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	tag := p.ch.GetNextPublishSeqNo()
	waiter := make(chan bool, 1)

	p.mu.Lock()
	p.pending[tag] = waiter
	p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.forget(tag)
		return 0, nil, err
	}
	return tag, waiter, nil
}

func (p *Publisher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(n.Type),
	}

	tag, waiter, err := p.publish(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}

	select {
	case ack := <-waiter:
		if !ack {
			return fmt.Errorf("%w: queue %s", ErrNotConfirmed, p.queue)
		}
	case <-ctx.Done():
		p.forget(tag)
		return fmt.Errorf("await confirm on %s: %w", p.queue, ctx.Err())
	}

	p.log.Debug("notification published",
		zap.String("message_id", msg.MessageId),
		zap.Int64("user_id", n.UserID),
		zap.String("type", string(n.Type)),
	)
	return nil
}
