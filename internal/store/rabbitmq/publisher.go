package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/metrics"
)

const attemptHeader = "x-attempt"

// Queues names the main queue and its retry and dead-letter companions.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

type declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Declare creates the three queues. Publisher and worker call it with the
// same arguments so either may start first.
func Declare(ch declarer, q Queues) error {
	// DLQ
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return err
	}
	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return err
	}
	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	})
	return err
}

// Publisher sends archive messages. amqp channels are not safe for
// concurrent publishing, so mu serializes them.
type Publisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q := QueuesFor(queue)
	if err := Declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishExchange(ctx context.Context, rec chat.ExchangeRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queues.Main, persistent(body, rec.ID, 0))
}

// RecordExchange lets the chat service hand records to the publisher.
func (p *Publisher) RecordExchange(ctx context.Context, rec chat.ExchangeRecord) error {
	err := p.PublishExchange(ctx, rec)
	metrics.ArchiveEvent("publish", err == nil)
	return err
}

// Retry parks d on the retry queue for delay; the broker dead-letters it
// back to the main queue afterwards.
func (p *Publisher) Retry(ctx context.Context, d amqp.Delivery, delay time.Duration) error {
	if delay <= 0 {
		return errors.New("retry delay must be positive")
	}
	msg := persistent(d.Body, d.MessageId, Attempt(d)+1)
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	return p.publish(ctx, p.queues.Retry, msg)
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}

func persistent(body []byte, id string, attempt int) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	}
}

// Attempt returns how many times d has already been retried.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
