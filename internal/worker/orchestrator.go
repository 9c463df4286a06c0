// Package worker drives the job pipeline: validated intake, invoice
// issuance, payment polling, execution against the content store, and
// result publication.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
	"github.com/hzrd149/pow-content-dvm/internal/dvm"
	"github.com/hzrd149/pow-content-dvm/internal/lightning"
	"github.com/hzrd149/pow-content-dvm/internal/registry"
	"github.com/hzrd149/pow-content-dvm/internal/relay"
	"github.com/hzrd149/pow-content-dvm/internal/response"
	"github.com/hzrd149/pow-content-dvm/internal/store"
)

type Config struct {
	ServicePubkey    string
	PriceMsats       int64
	PageSize         int
	PollInterval     time.Duration
	LivenessInterval time.Duration
}

type Dependencies struct {
	Transport relay.Transport
	Registry  registry.Registry
	Store     store.EventStore
	Lightning lightning.Backend
	Validator *dvm.Validator
	Builder   *response.Builder
	Logger    *log.Logger
	Config    Config
}

// Orchestrator owns job state and the pipeline between intake and
// result publication. All pending-registry transitions go through
// TakePending/DeletePending so execution happens at most once per
// request id no matter how poll ticks interleave.
type Orchestrator struct {
	transport relay.Transport
	registry  registry.Registry
	store     store.EventStore
	lightning lightning.Backend
	validator *dvm.Validator
	builder   *response.Builder
	logger    *log.Logger
	cfg       Config
}

func New(deps Dependencies) *Orchestrator {
	cfg := deps.Config
	if cfg.PriceMsats <= 0 {
		cfg.PriceMsats = 10_000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 30 * time.Second
	}

	return &Orchestrator{
		transport: deps.Transport,
		registry:  deps.Registry,
		store:     deps.Store,
		lightning: deps.Lightning,
		validator: deps.Validator,
		builder:   deps.Builder,
		logger:    deps.Logger,
		cfg:       cfg,
	}
}

// Start subscribes to request events and runs the periodic ticks until
// the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	since := nostr.Now()
	events := o.transport.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{domain.KindContentRequest},
		Tags:  nostr.TagMap{"p": []string{o.cfg.ServicePubkey}},
		Since: &since,
	}})

	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()
	liveness := time.NewTicker(o.cfg.LivenessInterval)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleRequest(ctx, event)
		case <-poll.C:
			o.checkInvoices(ctx)
		case <-liveness.C:
			o.transport.EnsureConnection(ctx)
		}
	}
}

// handleRequest runs intake for one delivered event: idempotency check,
// validation, invoice issuance, payment-required status.
func (o *Orchestrator) handleRequest(ctx context.Context, request nostr.Event) {
	if request.Kind != domain.KindContentRequest {
		return
	}

	known, err := o.registry.Has(ctx, request.ID)
	if err != nil {
		o.logf("intake %s: registry check failed: %v", request.ID, err)
		return
	}
	if known {
		return
	}

	job, err := o.validator.Build(ctx, request)
	if err != nil {
		var public *dvm.PublicError
		if errors.As(err, &public) {
			o.publishError(ctx, request, public.Message)
		} else {
			o.logf("skipped request %s: %v", request.ID, err)
		}
		return
	}

	invoice, err := o.lightning.CreateInvoice(ctx, o.cfg.PriceMsats)
	if err != nil {
		// Issuance failure is silent; the requester may simply resend.
		o.logf("failed to request payment for %s: %v", request.ID, err)
		return
	}

	job.PaymentHash = invoice.PaymentHash
	job.PaymentRequest = invoice.PaymentRequest
	job.InvoiceExpiresAt = invoice.ExpiresAt

	if err := o.registry.PutPending(ctx, job); err != nil {
		o.logf("failed to track pending job %s: %v", request.ID, err)
		return
	}

	o.logf("requesting payment for %s", request.ID)
	status, err := o.builder.PaymentRequired(request, o.cfg.PriceMsats, invoice)
	if err != nil {
		o.logf("failed to build payment status for %s: %v", request.ID, err)
		return
	}
	o.publish(ctx, request, status)
}

// checkInvoices is one poll tick: it snapshots the pending registry and
// settles every job's invoice state. Status queries run concurrently;
// each job's own transition is serialized by TakePending.
func (o *Orchestrator) checkInvoices(ctx context.Context) {
	jobs, err := o.registry.ListPending(ctx)
	if err != nil {
		o.logf("poll: list pending failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		// Guard against partially constructed entries.
		if job.PaymentHash == "" {
			if err := o.registry.DeletePending(ctx, job.ID()); err != nil {
				o.logf("poll: prune %s failed: %v", job.ID(), err)
			}
			continue
		}

		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			o.settleInvoice(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (o *Orchestrator) settleInvoice(ctx context.Context, job *domain.Job) {
	status, err := o.lightning.InvoiceStatus(ctx, job.PaymentHash)
	if err != nil {
		o.logf("poll: invoice status for %s failed: %v", job.ID(), err)
		return
	}

	switch status {
	case lightning.StatusPaid:
		// Claim the job before any suspension point so a racing tick
		// cannot execute it a second time.
		claimed, ok, err := o.registry.TakePending(ctx, job.ID())
		if err != nil {
			o.logf("poll: take pending %s failed: %v", job.ID(), err)
			return
		}
		if !ok {
			return
		}
		o.runJob(ctx, claimed)
	case lightning.StatusExpired:
		// Payment window lapsed; drop without a word.
		if err := o.registry.DeletePending(ctx, job.ID()); err != nil {
			o.logf("poll: drop expired %s failed: %v", job.ID(), err)
		}
	}
}

// runJob executes a paid job and records it as completed on success so
// later requests can chain off it.
func (o *Orchestrator) runJob(ctx context.Context, job *domain.Job) {
	o.logf("starting work for %s", job.ID())

	if status, err := o.builder.Processing(job.Request); err == nil {
		o.publish(ctx, job.Request, status)
	} else {
		o.logf("failed to build processing status for %s: %v", job.ID(), err)
	}

	noteIDs, err := o.execute(ctx, job)
	if err != nil {
		var public *dvm.PublicError
		if errors.As(err, &public) {
			o.publishError(ctx, job.Request, public.Message)
		} else {
			o.logf("failed to process %s: %v", job.ID(), err)
		}
		return
	}

	result, err := o.builder.Result(job, noteIDs)
	if err != nil {
		o.logf("failed to build result for %s: %v", job.ID(), err)
		return
	}
	o.publish(ctx, job.Request, result)

	if err := o.registry.PutCompleted(ctx, job); err != nil {
		o.logf("failed to record completed job %s: %v", job.ID(), err)
	}
}

// execute resolves the pagination chain and queries the content store.
// The root job fixes the time window for the whole chain; only the
// offset moves, one page per hop.
func (o *Orchestrator) execute(ctx context.Context, job *domain.Job) ([]string, error) {
	page := 0
	root := job
	for !root.IsRoot() {
		prior, err := o.registry.GetCompleted(ctx, root.Input.Value)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return nil, &dvm.PublicError{Message: "can't find old job"}
			}
			return nil, fmt.Errorf("resolve chain for %s: %w", job.ID(), err)
		}
		page++
		root = prior
	}

	floor := root.TimePeriod.FloorUnix(root.Request.CreatedAt.Time())
	notes, err := o.store.Query(ctx, domain.KindNote, floor, o.cfg.PageSize, page*o.cfg.PageSize)
	if err != nil {
		o.logf("query for %s failed: %v", job.ID(), err)
		return nil, &dvm.PublicError{Message: "failed to query events"}
	}
	if len(notes) == 0 {
		return nil, &dvm.PublicError{Message: "no events left"}
	}

	noteIDs := make([]string, 0, len(notes))
	for _, note := range notes {
		noteIDs = append(noteIDs, note.ID)
	}

	o.logf("returning page %d to %s", page, job.ID())
	return noteIDs, nil
}

func (o *Orchestrator) publishError(ctx context.Context, request nostr.Event, reason string) {
	status, err := o.builder.Error(request, reason)
	if err != nil {
		o.logf("failed to build error status for %s: %v", request.ID, err)
		return
	}
	o.publish(ctx, request, status)
}

func (o *Orchestrator) publish(ctx context.Context, request nostr.Event, event nostr.Event) {
	o.transport.Publish(ctx, dvm.TargetRelays(&request), event)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
