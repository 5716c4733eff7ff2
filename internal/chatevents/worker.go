package chatevents

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ticketgate/ticketgate/internal/chatplatform"
	"github.com/ticketgate/ticketgate/internal/queue"
)

// ErrRetriesExhausted wraps a transient failure that outlived its retries with nowhere to park it.
var ErrRetriesExhausted = errors.New("chatevents: retries exhausted")

// Publisher parks events that could not be handled.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type WorkerConfig struct {
	// MaxInflight is the number of chat lanes. Events sharing a partition key always share a
	// lane and are handled one at a time in queue order.
	MaxInflight int
	AckTimeout  time.Duration

	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// FailureTopic and Failures are optional. Without them a transient failure that exhausts
	// its retries stops the worker unacked so the queue redelivers it.
	FailureTopic string
	Failures     Publisher
}

// Worker consumes chat events from a queue and hands them to a Dispatcher.
type Worker struct {
	cfg        WorkerConfig
	dispatcher *Dispatcher
	consumer   queue.Consumer
	log        *slog.Logger

	sleep func(context.Context, time.Duration) error

	inflight     atomic.Int64
	handledCount atomic.Uint64
	invalidCount atomic.Uint64
	retryCount   atomic.Uint64
	failureCount atomic.Uint64
}

func NewWorker(cfg WorkerConfig, dispatcher *Dispatcher, consumer queue.Consumer, log *slog.Logger) (*Worker, error) {
	if dispatcher == nil || consumer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Failures != nil && cfg.FailureTopic == "" {
		return nil, fmt.Errorf("%w: failure topic is required with a failure publisher", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 10 * cfg.RetryBackoff
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{cfg: cfg, dispatcher: dispatcher, consumer: consumer, log: log, sleep: sleepCtx}, nil
}

type laneItem struct {
	seq uint64
	msg queue.Message
}

// Run returns when ctx is done, the consumer closes, or an event fails beyond retry. In-flight
// events finish first. The returned error is the first consumer or fatal error seen, if any.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr   error
		firstErrMu sync.Mutex
	)
	setFirstErr := func(err error) {
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	acks := &ackTracker{timeout: w.cfg.AckTimeout, log: w.log}
	lanes := make([]chan laneItem, w.cfg.MaxInflight)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan laneItem)
		wg.Add(1)
		go func(in <-chan laneItem) {
			defer wg.Done()
			for it := range in {
				if ctx.Err() != nil {
					continue
				}
				w.inflight.Add(1)
				ack, err := w.handleMessage(ctx, it.msg)
				w.inflight.Add(-1)
				if err != nil {
					setFirstErr(err)
					cancel()
					continue
				}
				if ack {
					acks.done(it.seq)
				}
			}
		}(lanes[i])
	}
	stop := func() error {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		return firstErr
	}

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return stop()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("chat-events queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return stop()
			}
			seq++
			acks.add(seq, msg)
			select {
			case lanes[w.laneFor(msg)] <- laneItem{seq: seq, msg: msg}:
			case <-ctx.Done():
				return stop()
			}
		}
	}
}

// laneFor routes by record key, falling back to the decoded event's chat.
func (w *Worker) laneFor(msg queue.Message) int {
	if w.cfg.MaxInflight == 1 {
		return 0
	}
	key := msg.Key
	if len(key) == 0 {
		e, err := DecodeEvent(msg.Value)
		if err != nil {
			return 0
		}
		key = e.PartitionKey()
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(w.cfg.MaxInflight))
}

// handleMessage reports whether msg may be acked. A non-nil error is fatal to the worker.
func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) (bool, error) {
	e, err := DecodeEvent(msg.Value)
	if err != nil {
		w.invalidCount.Add(1)
		w.log.Warn("chat-events dropping invalid payload", "topic", msg.Topic, "err", err)
		w.emitMetrics(msg.Timestamp, "invalid")
		return true, nil
	}

	outcome, attempts, err := w.dispatch(ctx, e)
	if err == nil {
		w.handledCount.Add(1)
		w.emitMetrics(msg.Timestamp, string(outcome))
		return true, nil
	}
	if ctx.Err() != nil {
		// Shutting down; leave the message for redelivery.
		return false, nil
	}

	retryable := isTransient(err)
	w.failureCount.Add(1)
	w.log.Error("chat-events handle event",
		"kind", e.Kind,
		"chat_id", e.ChatID,
		"user_id", e.UserID,
		"attempts", attempts,
		"retryable", retryable,
		"err", err,
	)
	w.emitMetrics(msg.Timestamp, "error")

	if w.cfg.Failures != nil {
		payload, ferr := EncodeFailureMessage(FailureMessage{Event: e, Attempts: attempts, Retryable: retryable, Error: err.Error()})
		if ferr != nil {
			return false, fmt.Errorf("chatevents: encode failure: %w", ferr)
		}
		if perr := w.cfg.Failures.Publish(ctx, w.cfg.FailureTopic, payload); perr != nil {
			return false, fmt.Errorf("chatevents: publish failure: %w", perr)
		}
		return true, nil
	}
	if retryable {
		return false, fmt.Errorf("%w: chat %d %s after %d attempts: %w", ErrRetriesExhausted, e.ChatID, e.Kind, attempts, err)
	}
	return true, nil
}

// dispatch retries transient failures with exponential backoff.
func (w *Worker) dispatch(ctx context.Context, e Event) (Outcome, int, error) {
	backoff := w.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		outcome, err := w.dispatcher.Handle(ctx, e)
		if err == nil || !isTransient(err) || attempt >= w.cfg.MaxAttempts {
			return outcome, attempt, err
		}
		w.retryCount.Add(1)
		w.log.Warn("chat-events retrying event", "kind", e.Kind, "chat_id", e.ChatID, "attempt", attempt, "backoff", backoff, "err", err)
		if serr := w.sleep(ctx, backoff); serr != nil {
			return "", attempt, serr
		}
		backoff = min(2*backoff, w.cfg.MaxRetryBackoff)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, chatplatform.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) emitMetrics(ts time.Time, outcome string) {
	lagSeconds := float64(0)
	if !ts.IsZero() {
		if lag := time.Since(ts); lag > 0 {
			lagSeconds = lag.Seconds()
		}
	}
	w.log.Info("chat-events metrics",
		"queue_lag_seconds", lagSeconds,
		"in_flight_events", w.inflight.Load(),
		"handled_count", w.handledCount.Load(),
		"invalid_count", w.invalidCount.Load(),
		"retry_count", w.retryCount.Load(),
		"failure_count", w.failureCount.Load(),
		"outcome", outcome,
	)
}

// ackTracker acks messages in receive order. A message is acked only once it and every
// earlier message are done, so a committed offset never skips unfinished work.
type ackTracker struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending []trackedMessage
}

type trackedMessage struct {
	seq  uint64
	msg  queue.Message
	done bool
}

func (t *ackTracker) add(seq uint64, msg queue.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, trackedMessage{seq: seq, msg: msg})
}

func (t *ackTracker) done(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pending {
		if t.pending[i].seq == seq {
			t.pending[i].done = true
			break
		}
	}
	n := 0
	for n < len(t.pending) && t.pending[n].done {
		ackMessage(t.pending[n].msg, t.timeout, t.log)
		n++
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("chat-events ack message", "err", err)
	}
}
