package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Consumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewConsumer declares the queues and starts consuming the main queue with
// manual acks and the given prefetch.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	fail := func(err error) (*Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	q := QueuesFor(queue)
	if err := Declare(ch, q); err != nil {
		return fail(err)
	}
	//  strict concurrency control
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail(err)
	}
	msgs, err := ch.Consume(q.Main, "", false, false, false, false, nil)
	if err != nil {
		return fail(err)
	}
	return &Consumer{conn: conn, ch: ch, deliveries: msgs}, nil
}

func (c *Consumer) Deliveries() <-chan amqp.Delivery { return c.deliveries }

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Action is what Settle did with a delivery.
type Action string

const (
	Acked      Action = "ack"
	Retried    Action = "retry"
	DeadLetter Action = "dead_letter"
)

type Retrier interface {
	Retry(ctx context.Context, d amqp.Delivery, delay time.Duration) error
}

// Settler acks, retries or dead-letters deliveries based on the handler
// result.
type Settler struct {
	Retrier     Retrier
	MaxAttempts int
	Delay       time.Duration
	// Permanent reports errors that retrying cannot fix.
	Permanent func(error) bool
	Log       zerolog.Logger
}

func (s Settler) Settle(ctx context.Context, d amqp.Delivery, herr error) Action {
	log := s.Log.With().Str("message_id", d.MessageId).Int("attempt", Attempt(d)).Logger()

	if herr == nil {
		if err := d.Ack(false); err != nil {
			log.Warn().Err(err).Msg("ack failed")
		}
		return Acked
	}

	permanent := s.Permanent != nil && s.Permanent(herr)
	if !permanent && s.Retrier != nil && Attempt(d) < s.MaxAttempts {
		delay := s.Delay * time.Duration(1<<Attempt(d))
		err := s.Retrier.Retry(ctx, d, delay)
		if err == nil {
			if err := d.Ack(false); err != nil {
				log.Warn().Err(err).Msg("ack after retry failed")
			}
			log.Warn().Err(herr).Dur("delay", delay).Msg("delivery scheduled for retry")
			return Retried
		}
		log.Error().Err(err).Msg("retry publish failed")
	}

	log.Error().Err(herr).Bool("permanent", permanent).Msg("delivery dead-lettered")
	if err := d.Nack(false, false); err != nil {
		log.Warn().Err(err).Msg("nack failed")
	}
	return DeadLetter
}

// Serve runs concurrency workers over deliveries until ctx ends or the
// channel closes. In-flight deliveries finish before Serve returns.
func Serve(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, handle func(context.Context, amqp.Delivery)) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				handle(ctx, d)
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// unacked; the broker redelivers it
				return
			}
		}
	}
}
