package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultAMQPPrefetch = 16

// amqpKeyHeader carries the record key. A single durable queue already preserves order.
const amqpKeyHeader = "x-record-key"

type amqpConsumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newAMQPConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	url := strings.TrimSpace(cfg.AMQPURL)
	topics := normalizeList(cfg.Topics)
	if url == "" {
		return nil, fmt.Errorf("%w: amqp consumer requires url", ErrInvalidConfig)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: amqp consumer requires at least one queue", ErrInvalidConfig)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultAMQPPrefetch
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue/amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue/amqp: channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue/amqp: qos: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	c := &amqpConsumer{
		conn:   conn,
		ch:     ch,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	for _, topic := range topics {
		if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
			cancel()
			_ = conn.Close()
			return nil, fmt.Errorf("queue/amqp: declare %q: %w", topic, err)
		}
		deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
		if err != nil {
			cancel()
			_ = conn.Close()
			return nil, fmt.Errorf("queue/amqp: consume %q: %w", topic, err)
		}
		c.wg.Add(1)
		go c.forward(ctx, topic, deliveries)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.wg.Add(1)
	go c.watchClose(ctx, closed)
	go func() {
		c.wg.Wait()
		close(c.msgCh)
		close(c.errCh)
	}()
	return c, nil
}

func (c *amqpConsumer) forward(ctx context.Context, topic string, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ts := d.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			msg := Message{
				Topic:     topic,
				Key:       deliveryKey(d),
				Value:     append([]byte(nil), d.Body...),
				Timestamp: ts,
				ackFn: func(context.Context) error {
					return d.Ack(false)
				},
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func deliveryKey(d amqp.Delivery) []byte {
	if k, ok := d.Headers[amqpKeyHeader].(string); ok {
		return []byte(k)
	}
	if d.MessageId == "" {
		return nil
	}
	return []byte(d.MessageId)
}

// watchClose reports a broker-initiated connection close. A local Close closes the channel
// without an error.
func (c *amqpConsumer) watchClose(ctx context.Context, closed <-chan *amqp.Error) {
	defer c.wg.Done()
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		select {
		case c.errCh <- err:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

func (c *amqpConsumer) Messages() <-chan Message { return c.msgCh }
func (c *amqpConsumer) Errors() <-chan error     { return c.errCh }

func (c *amqpConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

type amqpProducer struct {
	conn *amqp.Connection

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

func newAMQPProducer(cfg ProducerConfig) (Producer, error) {
	url := strings.TrimSpace(cfg.AMQPURL)
	if url == "" {
		return nil, fmt.Errorf("%w: amqp producer requires url", ErrInvalidConfig)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue/amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue/amqp: channel: %w", err)
	}
	return &amqpProducer{conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

func (p *amqpProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.PublishKeyed(ctx, topic, nil, payload)
}

func (p *amqpProducer) PublishKeyed(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[topic] {
		if _, err := p.ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue/amqp: declare %q: %w", topic, err)
		}
		p.declared[topic] = true
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: amqp.Persistent,
	}
	if key != nil {
		msg.Headers = amqp.Table{amqpKeyHeader: string(key)}
	}
	return p.ch.PublishWithContext(ctx, "", topic, false, false, msg)
}

func (p *amqpProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}
