// Package provequeue accepts proof generation requests, deduplicates them by content hash, and
// computes them one at a time in submission order on a single worker goroutine.
package provequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ticketgate/ticketgate/internal/idempotency"
	"github.com/ticketgate/ticketgate/internal/pcd"
)

const (
	DefaultProveTimeout    = 2 * time.Minute
	DefaultMetricsInterval = 30 * time.Second
	DefaultPublishTimeout  = 5 * time.Second
)

// Registry resolves proof packages and encodes their output.
type Registry interface {
	Get(name string) (pcd.Package, error)
	Serialize(p pcd.Proof) ([]byte, error)
}

// Publisher is the subset of queue.Producer used for outcome notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	ProveTimeout    time.Duration
	MetricsInterval time.Duration

	// Outcome publishing is disabled when Publisher is nil.
	Publisher      Publisher
	CompletedTopic string
	FailedTopic    string
	PublishTimeout time.Duration
}

type job struct {
	pcdType string
	hash    common.Hash
	args    json.RawMessage
	status  Status
	proof   []byte
}

type Queue struct {
	cfg      Config
	registry Registry
	log      *slog.Logger

	mu      sync.Mutex
	jobs    map[common.Hash]*job
	pending []common.Hash
	// active is the job in StatusProving; at most one exists at a time.
	active *job

	wake chan struct{}
}

func New(cfg Config, registry Registry, log *slog.Logger) (*Queue, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if cfg.ProveTimeout <= 0 {
		cfg.ProveTimeout = DefaultProveTimeout
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Publisher != nil {
		cfg.CompletedTopic = strings.TrimSpace(cfg.CompletedTopic)
		cfg.FailedTopic = strings.TrimSpace(cfg.FailedTopic)
		if cfg.CompletedTopic == "" || cfg.FailedTopic == "" {
			return nil, fmt.Errorf("%w: completed/failed topics are required with a publisher", ErrInvalidConfig)
		}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Queue{
		cfg:      cfg,
		registry: registry,
		log:      log,
		jobs:     make(map[common.Hash]*job),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Submit registers req and returns its current state. A request whose hash is already known is
// not enqueued again.
func (q *Queue) Submit(_ context.Context, req ProveRequest) (PendingJob, error) {
	pcdType := strings.TrimSpace(req.PCDType)
	if _, err := q.registry.Get(pcdType); err != nil {
		return PendingJob{}, err
	}
	hash, err := idempotency.ProveRequestHashV1(pcdType, req.Args)
	if err != nil {
		return PendingJob{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[hash]; ok {
		return PendingJob{PCDType: existing.pcdType, Hash: hash, Status: existing.status}, nil
	}

	j := &job{
		pcdType: pcdType,
		hash:    hash,
		args:    append(json.RawMessage(nil), req.Args...),
		status:  StatusQueued,
	}
	q.jobs[hash] = j
	if q.active == nil && len(q.pending) == 0 {
		j.status = StatusProving
		q.active = j
	} else {
		q.pending = append(q.pending, hash)
	}
	q.signal()
	return PendingJob{PCDType: pcdType, Hash: hash, Status: j.status}, nil
}

func (q *Queue) Poll(_ context.Context, hash common.Hash) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[hash]
	if !ok {
		return JobStatus{}, ErrNotFound
	}
	out := JobStatus{PCDType: j.pcdType, Status: j.status}
	if j.status == StatusComplete {
		out.Proof = append([]byte(nil), j.proof...)
	}
	return out, nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, j := range q.jobs {
		switch j.status {
		case StatusQueued:
			s.Queued++
		case StatusProving:
			s.Proving++
		case StatusComplete:
			s.Complete++
		case StatusError:
			s.Error++
		}
	}
	return s
}

// Run drives the worker until ctx is done. It must be called at most once.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		if j := q.current(); j != nil {
			q.compute(ctx, j)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
			q.emitMetrics()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) current() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) compute(ctx context.Context, j *job) {
	start := time.Now()
	raw, err := q.prove(ctx, j)
	if err != nil && ctx.Err() != nil {
		// Shutdown: the job stays in PROVING; nothing survives a restart anyway.
		return
	}

	q.mu.Lock()
	if err != nil {
		j.status = StatusError
	} else {
		j.status = StatusComplete
		j.proof = raw
	}
	j.args = nil
	q.active = nil
	if len(q.pending) > 0 {
		next := q.jobs[q.pending[0]]
		q.pending = q.pending[1:]
		next.status = StatusProving
		q.active = next
	}
	q.mu.Unlock()

	if err != nil {
		q.log.Error("prove job failed",
			"hash", j.hash.Hex(),
			"pcd_type", j.pcdType,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
	} else {
		q.log.Info("prove job complete",
			"hash", j.hash.Hex(),
			"pcd_type", j.pcdType,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	q.publishOutcome(ctx, j.hash, j.pcdType, err == nil)
}

func (q *Queue) prove(ctx context.Context, j *job) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provequeue: prover panic: %v", r)
		}
	}()

	pkg, err := q.registry.Get(j.pcdType)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.ProveTimeout)
	defer cancel()

	proof, err := pkg.Prove(runCtx, j.args)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("provequeue: prove timed out after %s: %w", q.cfg.ProveTimeout, err)
		}
		return nil, err
	}
	return q.registry.Serialize(proof)
}

func (q *Queue) publishOutcome(ctx context.Context, hash common.Hash, pcdType string, ok bool) {
	if q.cfg.Publisher == nil {
		return
	}
	var (
		topic   string
		payload []byte
		err     error
	)
	if ok {
		topic = q.cfg.CompletedTopic
		payload, err = EncodeCompletedMessage(CompletedMessage{Hash: hash, PCDType: pcdType})
	} else {
		topic = q.cfg.FailedTopic
		payload, err = EncodeFailedMessage(FailedMessage{Hash: hash, PCDType: pcdType})
	}
	if err != nil {
		q.log.Error("encode prove outcome", "hash", hash.Hex(), "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, q.cfg.PublishTimeout)
	defer cancel()
	if err := q.cfg.Publisher.Publish(pubCtx, topic, payload); err != nil {
		q.log.Error("publish prove outcome", "hash", hash.Hex(), "topic", topic, "err", err)
	}
}

func (q *Queue) emitMetrics() {
	s := q.Stats()
	q.log.Info("provequeue metrics",
		"queued", s.Queued,
		"proving", s.Proving,
		"complete", s.Complete,
		"error", s.Error,
	)
}
