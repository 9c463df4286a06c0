package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
	"github.com/hzrd149/pow-content-dvm/internal/dvm"
	"github.com/hzrd149/pow-content-dvm/internal/lightning"
	"github.com/hzrd149/pow-content-dvm/internal/registry"
	"github.com/hzrd149/pow-content-dvm/internal/response"
	"github.com/hzrd149/pow-content-dvm/internal/store"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []nostr.Event
	ensures   int
	events    chan nostr.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan nostr.Event, 8)}
}

func (t *fakeTransport) Subscribe(_ context.Context, _ nostr.Filters) <-chan nostr.Event {
	return t.events
}

func (t *fakeTransport) Publish(_ context.Context, _ []string, event nostr.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, event)
}

func (t *fakeTransport) EnsureConnection(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensures++
}

func (t *fakeTransport) snapshot() []nostr.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]nostr.Event(nil), t.published...)
}

func (t *fakeTransport) statuses() []string {
	out := make([]string, 0)
	for _, event := range t.snapshot() {
		if event.Kind != domain.KindJobStatus {
			continue
		}
		for _, tag := range event.Tags {
			if len(tag) >= 2 && tag[0] == "status" {
				out = append(out, tag[1])
			}
		}
	}
	return out
}

func (t *fakeTransport) results() []nostr.Event {
	out := make([]nostr.Event, 0)
	for _, event := range t.snapshot() {
		if event.Kind == domain.KindContentResult {
			out = append(out, event)
		}
	}
	return out
}

type storeQuery struct {
	kind         int
	createdAfter int64
	limit        int
	offset       int
}

type recordingStore struct {
	inner store.EventStore

	mu      sync.Mutex
	queries []storeQuery
}

func (s *recordingStore) Query(ctx context.Context, kind int, createdAfter int64, limit, offset int) ([]store.Note, error) {
	s.mu.Lock()
	s.queries = append(s.queries, storeQuery{kind, createdAfter, limit, offset})
	s.mu.Unlock()
	return s.inner.Query(ctx, kind, createdAfter, limit, offset)
}

func (s *recordingStore) recorded() []storeQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storeQuery(nil), s.queries...)
}

type harness struct {
	orch      *Orchestrator
	transport *fakeTransport
	registry  *registry.MemoryRegistry
	notes     *store.MemoryEventStore
	queries   *recordingStore
	backend   *lightning.MemoryBackend
	pubkey    string
	anchor    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	secretKey := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		t.Fatalf("derive pubkey: %v", err)
	}

	transport := newFakeTransport()
	reg := registry.NewMemoryRegistry()
	notes := store.NewMemoryEventStore()
	queries := &recordingStore{inner: notes}
	backend := lightning.NewMemoryBackend(10 * time.Minute)

	orch := New(Dependencies{
		Transport: transport,
		Registry:  reg,
		Store:     queries,
		Lightning: backend,
		Validator: dvm.NewValidator(pubkey, reg),
		Builder:   response.NewBuilder(secretKey),
		Logger:    log.New(testWriter{t}, "", 0),
		Config:    Config{ServicePubkey: pubkey},
	})

	return &harness{
		orch:      orch,
		transport: transport,
		registry:  reg,
		notes:     notes,
		queries:   queries,
		backend:   backend,
		pubkey:    pubkey,
		anchor:    time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (h *harness) newRequest(id string, extra ...nostr.Tag) nostr.Event {
	tags := nostr.Tags{{"p", h.pubkey}}
	tags = append(tags, extra...)
	return nostr.Event{
		ID:        id,
		PubKey:    "requester-pubkey",
		Kind:      domain.KindContentRequest,
		CreatedAt: nostr.Timestamp(h.anchor.Unix()),
		Tags:      tags,
	}
}

func (h *harness) seedNotes(count int) {
	for i := 0; i < count; i++ {
		h.notes.Add(domain.KindNote, store.Note{
			ID:        fmt.Sprintf("note-%03d", i),
			Content:   "hello",
			CreatedAt: h.anchor.Add(-time.Duration(i) * time.Minute),
		})
	}
}

func (h *harness) pendingHash(t *testing.T, id string) string {
	t.Helper()
	jobs, err := h.registry.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, job := range jobs {
		if job.ID() == id {
			return job.PaymentHash
		}
	}
	t.Fatalf("no pending job %s", id)
	return ""
}

func TestIntakeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	request := h.newRequest("req-a")

	h.orch.handleRequest(ctx, request)
	h.orch.handleRequest(ctx, request)

	if got := h.backend.CreatedCount(); got != 1 {
		t.Fatalf("expected one invoice, got %d", got)
	}
	jobs, err := h.registry.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one pending job, got %d", len(jobs))
	}
	if statuses := h.transport.statuses(); len(statuses) != 1 || statuses[0] != response.StatusPaymentRequired {
		t.Fatalf("expected a single payment-required status, got %v", statuses)
	}
}

func TestMisaddressedRequestIgnoredSilently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	request := h.newRequest("req-a")
	request.Tags = nostr.Tags{{"p", "someone-else"}}
	h.orch.handleRequest(ctx, request)

	if got := h.backend.CreatedCount(); got != 0 {
		t.Fatalf("expected no invoices, got %d", got)
	}
	if published := h.transport.snapshot(); len(published) != 0 {
		t.Fatalf("expected silence, got %d events", len(published))
	}
}

func TestUnknownPriorJobIsPublicFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.orch.handleRequest(ctx, h.newRequest("req-a", nostr.Tag{"i", "nope", "event"}))

	if statuses := h.transport.statuses(); len(statuses) != 1 || statuses[0] != response.StatusError {
		t.Fatalf("expected one error status, got %v", statuses)
	}
	has, err := h.registry.Has(ctx, "req-a")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if has {
		t.Fatalf("failed intake must leave no registry entry")
	}
}

func TestNoExecutionBeforePayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotes(5)

	h.orch.handleRequest(ctx, h.newRequest("req-a"))
	h.orch.checkInvoices(ctx)
	h.orch.checkInvoices(ctx)

	if queries := h.queries.recorded(); len(queries) != 0 {
		t.Fatalf("store must not be queried before payment, got %d queries", len(queries))
	}
	jobs, err := h.registry.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("unpaid job must stay pending, got %d", len(jobs))
	}
}

func TestPaidJobExecutesAndCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotes(3)

	h.orch.handleRequest(ctx, h.newRequest("req-a", nostr.Tag{"param", "timePeriod", "all"}))
	h.backend.MarkPaid(h.pendingHash(t, "req-a"))
	h.orch.checkInvoices(ctx)

	statuses := h.transport.statuses()
	if len(statuses) != 2 || statuses[1] != response.StatusProcessing {
		t.Fatalf("expected payment-required then processing, got %v", statuses)
	}
	results := h.transport.results()
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}

	if _, err := h.registry.GetCompleted(ctx, "req-a"); err != nil {
		t.Fatalf("expected completed record: %v", err)
	}
	jobs, err := h.registry.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("paid job must leave pending, got %d", len(jobs))
	}
}

func TestExpiredInvoicePrunedSilently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.orch.handleRequest(ctx, h.newRequest("req-a"))
	published := len(h.transport.snapshot())

	h.backend.MarkExpired(h.pendingHash(t, "req-a"))
	h.orch.checkInvoices(ctx)

	jobs, err := h.registry.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expired job must be pruned, got %d pending", len(jobs))
	}
	if got := len(h.transport.snapshot()); got != published {
		t.Fatalf("expiry must not publish anything, went from %d to %d events", published, got)
	}
	if _, err := h.registry.GetCompleted(ctx, "req-a"); err != registry.ErrNotFound {
		t.Fatalf("expired job must not complete, got %v", err)
	}
}

func TestExecutionHappensAtMostOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotes(3)

	h.orch.handleRequest(ctx, h.newRequest("req-a"))
	h.backend.MarkPaid(h.pendingHash(t, "req-a"))

	jobs, err := h.registry.ListPending(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one pending job, got %d (err=%v)", len(jobs), err)
	}

	// Two poll ticks observing the same paid snapshot entry.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.settleInvoice(ctx, jobs[0])
		}()
	}
	wg.Wait()

	if queries := h.queries.recorded(); len(queries) != 1 {
		t.Fatalf("expected exactly one execution, got %d store queries", len(queries))
	}
	if results := h.transport.results(); len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
}

func TestPaginationChainKeepsRootWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotes(55)

	root := h.newRequest("req-root", nostr.Tag{"param", "timePeriod", "week"})
	h.orch.handleRequest(ctx, root)
	h.backend.MarkPaid(h.pendingHash(t, "req-root"))
	h.orch.checkInvoices(ctx)

	chained := h.newRequest("req-next", nostr.Tag{"i", "req-root", "event"})
	h.orch.handleRequest(ctx, chained)
	h.backend.MarkPaid(h.pendingHash(t, "req-next"))
	h.orch.checkInvoices(ctx)

	queries := h.queries.recorded()
	if len(queries) != 2 {
		t.Fatalf("expected two executions, got %d", len(queries))
	}

	wantFloor := h.anchor.AddDate(0, 0, -7).Unix()
	for i, query := range queries {
		if query.createdAfter != wantFloor {
			t.Fatalf("query %d: expected root floor %d, got %d", i, wantFloor, query.createdAfter)
		}
		if query.limit != 50 {
			t.Fatalf("query %d: expected page size 50, got %d", i, query.limit)
		}
	}
	if queries[0].offset != 0 || queries[1].offset != 50 {
		t.Fatalf("expected offsets 0 and 50, got %d and %d", queries[0].offset, queries[1].offset)
	}

	results := h.transport.results()
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
}

func TestExhaustedChainFailsPublicly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	// Store stays empty: first page already exhausts the window.

	h.orch.handleRequest(ctx, h.newRequest("req-a"))
	h.backend.MarkPaid(h.pendingHash(t, "req-a"))
	h.orch.checkInvoices(ctx)

	statuses := h.transport.statuses()
	if len(statuses) != 3 || statuses[2] != response.StatusError {
		t.Fatalf("expected trailing error status, got %v", statuses)
	}
	if _, err := h.registry.GetCompleted(ctx, "req-a"); err != registry.ErrNotFound {
		t.Fatalf("exhausted job must not complete, got %v", err)
	}
	if results := h.transport.results(); len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestPendingEntryWithoutHashIsPruned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := &domain.Job{Request: h.newRequest("req-a"), TimePeriod: domain.PeriodYear}
	if err := h.registry.PutPending(ctx, job); err != nil {
		t.Fatalf("put pending: %v", err)
	}

	h.orch.checkInvoices(ctx)

	jobs, err := h.registry.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected defensive prune, got %d pending", len(jobs))
	}
}

func TestStartDrivesPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seedNotes(2)

	h.orch.cfg.PollInterval = 10 * time.Millisecond
	h.orch.cfg.LivenessInterval = 15 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Start(ctx)
	}()

	h.transport.events <- h.newRequest("req-a", nostr.Tag{"param", "timePeriod", "all"})

	waitFor(t, "payment-required status", func() bool {
		statuses := h.transport.statuses()
		return len(statuses) > 0 && statuses[0] == response.StatusPaymentRequired
	})

	h.backend.MarkPaid(h.pendingHash(t, "req-a"))

	waitFor(t, "published result", func() bool {
		return len(h.transport.results()) == 1
	})
	waitFor(t, "liveness tick", func() bool {
		h.transport.mu.Lock()
		defer h.transport.mu.Unlock()
		return h.transport.ensures > 0
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("orchestrator did not stop on cancel")
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
