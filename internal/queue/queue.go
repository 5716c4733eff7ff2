// Package queue carries chat updates into the event workers and proof outcomes out of the API.
// Kafka, RabbitMQ and newline-delimited stdio are supported.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverAMQP  = "amqp"
	DriverStdio = "stdio"
)

const envKafkaTLS = "TICKETGATE_QUEUE_KAFKA_TLS"

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one delivered record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp when the broker carries one, else the local receive time.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack marks the message processed. It is a no-op for drivers without acknowledgement.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. Records published with the same key reach consumers in publish
// order; unkeyed records may be spread across partitions.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishKeyed(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string
	Topics []string

	// Kafka.
	Brokers       []string
	Group         string
	KafkaMinBytes int
	KafkaMaxBytes int

	// AMQP. Topics name durable queues.
	AMQPURL  string
	Prefetch int

	// Stdio.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka.
	Brokers      []string
	BatchTimeout time.Duration

	// AMQP. Topics are routing keys on the default exchange.
	AMQPURL string

	// Stdio.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverAMQP:
		return newAMQPConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverAMQP:
		return newAMQPProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitCommaList splits a comma separated flag value, dropping empty entries.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func envEnabled(name string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
