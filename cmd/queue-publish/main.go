// Command queue-publish publishes payloads to a queue topic. With --telegram-updates each payload
// is a raw Bot API update that is normalized into a chat event first, which is how local runs feed
// the chat-events worker without a webhook.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ticketgate/ticketgate/internal/chatevents"
	"github.com/ticketgate/ticketgate/internal/queue"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("queue-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|amqp|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated kafka brokers")
	amqpURL := fs.String("queue-amqp-url", "", "AMQP URL")
	topic := fs.String("topic", chatevents.DefaultTopic, "queue topic")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&payloadFiles, "payload-file", "payload file path (repeatable)")
	lines := fs.Bool("lines", false, "treat stdin as one payload per line")
	telegramUpdates := fs.Bool("telegram-updates", false, "payloads are Bot API updates to normalize into chat events")
	key := fs.String("key", "", "record key for raw payloads; normalized updates are keyed by chat id")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin, *lines)
	if err != nil {
		return err
	}
	records := rawRecords(payloads, *key)
	if *telegramUpdates {
		records, err = normalizeUpdates(payloads, stderr)
		if err != nil {
			return err
		}
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		AMQPURL: *amqpURL,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, r := range records {
		if err := producer.PublishKeyed(ctx, *topic, r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// record is one message to publish. A nil key leaves partitioning to the broker.
type record struct {
	key   []byte
	value []byte
}

func rawRecords(payloads [][]byte, key string) []record {
	var k []byte
	if key = strings.TrimSpace(key); key != "" {
		k = []byte(key)
	}
	out := make([]record, 0, len(payloads))
	for _, p := range payloads {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		out = append(out, record{key: k, value: p})
	}
	return out
}

// normalizeUpdates drops updates the chat-events worker does not act on and reports them on stderr.
func normalizeUpdates(updates [][]byte, stderr io.Writer) ([]record, error) {
	out := make([]record, 0, len(updates))
	for i, raw := range updates {
		e, ok, err := chatevents.FromTelegramUpdate(raw)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		if !ok {
			fmt.Fprintf(stderr, "skipping update %d: no chat event\n", i)
			continue
		}
		b, err := chatevents.EncodeEvent(e)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		out = append(out, record{key: e.PartitionKey(), value: b})
	}
	return out, nil
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader, lines bool) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	errMissing := errors.New("payload is required via --payload, --payload-file, or stdin")
	if stdin == nil {
		return nil, errMissing
	}
	if lines {
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 1024), 1<<20)
		for sc.Scan() {
			if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
				payloads = append(payloads, append([]byte(nil), line...))
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read stdin payloads: %w", err)
		}
		if len(payloads) == 0 {
			return nil, errMissing
		}
		return payloads, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errMissing
	}
	return [][]byte{b}, nil
}
