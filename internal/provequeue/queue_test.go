package provequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ticketgate/ticketgate/internal/pcd"
)

type stubProof struct {
	label string
}

func (p stubProof) Type() string      { return "stub-pcd" }
func (p stubProof) Claim() pcd.Claim { return pcd.Claim{EventID: p.label} }

type stubArgs struct {
	Label string `json:"label"`
	Fail  bool   `json:"fail"`
	Hang  bool   `json:"hang"`
}

// stubPackage blocks every Prove call until the test releases it.
type stubPackage struct {
	release chan struct{}

	mu         sync.Mutex
	order      []string
	running    int
	maxRunning int
}

func newStubPackage() *stubPackage {
	return &stubPackage{release: make(chan struct{}, 16)}
}

func (s *stubPackage) Name() string { return "stub-pcd" }

func (s *stubPackage) Prove(ctx context.Context, raw json.RawMessage) (pcd.Proof, error) {
	var args stubArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.order = append(s.order, args.Label)
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	if args.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if args.Fail {
		return nil, errors.New("secret prover detail")
	}
	return stubProof{label: args.Label}, nil
}

func (s *stubPackage) Serialize(p pcd.Proof) ([]byte, error) {
	return []byte(p.Claim().EventID), nil
}

func (s *stubPackage) Deserialize(raw []byte) (pcd.Proof, error) {
	return stubProof{label: string(raw)}, nil
}

func (s *stubPackage) Verify(context.Context, pcd.Proof) (bool, error) { return true, nil }

func (s *stubPackage) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *recordingPublisher) snapshot() ([]string, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...), append([][]byte(nil), p.payloads...)
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *stubPackage) {
	t.Helper()
	pkg := newStubPackage()
	reg, err := pcd.NewRegistry(pkg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	q, err := New(cfg, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, pkg
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func submit(t *testing.T, q *Queue, args string) PendingJob {
	t.Helper()
	job, err := q.Submit(context.Background(), ProveRequest{PCDType: "stub-pcd", Args: json.RawMessage(args)})
	if err != nil {
		t.Fatalf("Submit(%s): %v", args, err)
	}
	return job
}

func waitForStatus(t *testing.T, q *Queue, hash common.Hash, want Status) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := q.Poll(context.Background(), hash)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status: got %s want %s", st.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_SubmitDeduplicatesByContent(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})

	first := submit(t, q, `{"label":"a","fail":false}`)
	if first.Status != StatusProving {
		t.Fatalf("first job on idle queue: got %s want %s", first.Status, StatusProving)
	}
	again := submit(t, q, `{ "fail": false, "label": "a" }`)
	if again.Hash != first.Hash {
		t.Fatalf("content-equal requests must share a hash: %s vs %s", first.Hash.Hex(), again.Hash.Hex())
	}
	if again.Status != StatusProving {
		t.Fatalf("duplicate submit: got %s want %s", again.Status, StatusProving)
	}

	second := submit(t, q, `{"label":"b"}`)
	if second.Status != StatusQueued {
		t.Fatalf("second job: got %s want %s", second.Status, StatusQueued)
	}
	if s := q.Stats(); s.Proving != 1 || s.Queued != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestQueue_ConcurrentSubmitsComputeOnce(t *testing.T) {
	t.Parallel()

	q, pkg := newTestQueue(t, Config{})
	startQueue(t, q)

	const n = 32
	bodies := []string{`{"label":"same","fail":false}`, `{ "fail": false, "label": "same" }`}
	jobs := make(chan PendingJob, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			job, err := q.Submit(context.Background(), ProveRequest{PCDType: "stub-pcd", Args: json.RawMessage(body)})
			if err != nil {
				errs <- err
				return
			}
			jobs <- job
		}(bodies[i%len(bodies)])
	}
	wg.Wait()
	close(jobs)
	close(errs)
	for err := range errs {
		t.Fatalf("Submit: %v", err)
	}

	hashes := make(map[common.Hash]struct{})
	for job := range jobs {
		hashes[job.Hash] = struct{}{}
		if job.Status != StatusProving && job.Status != StatusQueued {
			t.Fatalf("concurrent submit: got status %s", job.Status)
		}
	}
	if len(hashes) != 1 {
		t.Fatalf("distinct hashes: got %d want 1", len(hashes))
	}
	var hash common.Hash
	for h := range hashes {
		hash = h
	}

	waitForStatus(t, q, hash, StatusProving)
	time.Sleep(20 * time.Millisecond)
	if got := pkg.calls(); len(got) != 1 {
		t.Fatalf("computations while proving: got %v want one", got)
	}
	if s := q.Stats(); s.Proving != 1 || s.Queued != 0 {
		t.Fatalf("stats: %+v", s)
	}

	pkg.release <- struct{}{}
	waitForStatus(t, q, hash, StatusComplete)
	time.Sleep(20 * time.Millisecond)
	if got := pkg.calls(); len(got) != 1 {
		t.Fatalf("computations after completion: got %v want one", got)
	}
}

func TestQueue_FIFOOneAtATime(t *testing.T) {
	t.Parallel()

	q, pkg := newTestQueue(t, Config{})
	a := submit(t, q, `{"label":"a"}`)
	b := submit(t, q, `{"label":"b"}`)
	c := submit(t, q, `{"label":"c"}`)
	startQueue(t, q)

	for i, j := range []PendingJob{a, b, c} {
		waitForStatus(t, q, j.Hash, StatusProving)
		for _, later := range []PendingJob{a, b, c}[i+1:] {
			st, err := q.Poll(context.Background(), later.Hash)
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if st.Status != StatusQueued {
				t.Fatalf("job %d behind the active one: got %s want %s", i, st.Status, StatusQueued)
			}
		}
		pkg.release <- struct{}{}
		st := waitForStatus(t, q, j.Hash, StatusComplete)
		want := []string{"a", "b", "c"}[i]
		if string(st.Proof) != fmt.Sprintf(`{"type":"stub-pcd","pcd":%q}`, want) {
			t.Fatalf("proof: got %s", st.Proof)
		}
	}

	if got := strings.Join(pkg.calls(), ","); got != "a,b,c" {
		t.Fatalf("computation order: got %s want a,b,c", got)
	}
	pkg.mu.Lock()
	maxRunning := pkg.maxRunning
	pkg.mu.Unlock()
	if maxRunning != 1 {
		t.Fatalf("max concurrent computations: got %d want 1", maxRunning)
	}

	// Completed requests are not recomputed.
	again := submit(t, q, `{"label":"a"}`)
	if again.Status != StatusComplete {
		t.Fatalf("resubmit completed: got %s", again.Status)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(pkg.calls()); n != 3 {
		t.Fatalf("resubmit triggered recomputation: %d calls", n)
	}
}

func TestQueue_FailureHidesDetailAndPublishes(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	q, pkg := newTestQueue(t, Config{
		Publisher:      pub,
		CompletedTopic: "pcd.proofs.completed.v1",
		FailedTopic:    "pcd.proofs.failed.v1",
	})
	startQueue(t, q)

	bad := submit(t, q, `{"label":"bad","fail":true}`)
	pkg.release <- struct{}{}
	st := waitForStatus(t, q, bad.Hash, StatusError)
	if st.Proof != nil {
		t.Fatalf("failed job must not carry a proof: %s", st.Proof)
	}

	good := submit(t, q, `{"label":"good"}`)
	if good.Status != StatusProving {
		t.Fatalf("next job after failure: got %s want %s", good.Status, StatusProving)
	}
	pkg.release <- struct{}{}
	waitForStatus(t, q, good.Hash, StatusComplete)

	deadline := time.Now().Add(5 * time.Second)
	for {
		topics, payloads := pub.snapshot()
		if len(topics) == 2 {
			if topics[0] != "pcd.proofs.failed.v1" || topics[1] != "pcd.proofs.completed.v1" {
				t.Fatalf("topics: %v", topics)
			}
			if strings.Contains(string(payloads[0]), "secret prover detail") {
				t.Fatalf("failure message leaked error detail: %s", payloads[0])
			}
			if !strings.Contains(string(payloads[0]), bad.Hash.Hex()) {
				t.Fatalf("failure message missing hash: %s", payloads[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 outcome messages, got %d", len(topics))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_ProveTimeoutMarksError(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{ProveTimeout: 20 * time.Millisecond})
	startQueue(t, q)

	j := submit(t, q, `{"label":"slow","hang":true}`)
	waitForStatus(t, q, j.Hash, StatusError)
}

func TestQueue_RejectsUnsupportedAndUnknown(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})

	_, err := q.Submit(context.Background(), ProveRequest{PCDType: "nope", Args: json.RawMessage(`{}`)})
	if !errors.Is(err, pcd.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if s := q.Stats(); s != (Stats{}) {
		t.Fatalf("unsupported request must not be enqueued: %+v", s)
	}

	_, err = q.Submit(context.Background(), ProveRequest{PCDType: "stub-pcd", Args: json.RawMessage(`{"a":`)})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	if _, err := q.Poll(context.Background(), common.HexToHash("0x1234")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_RequiresTopicsWithPublisher(t *testing.T) {
	t.Parallel()

	reg, err := pcd.NewRegistry(newStubPackage())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := New(Config{Publisher: &recordingPublisher{}}, reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil registry, got %v", err)
	}
}
