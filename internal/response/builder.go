// Package response assembles the signed status and result events the
// machine publishes back to requesters. Builders are pure: job in,
// signed event out.
package response

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
	"github.com/hzrd149/pow-content-dvm/internal/lightning"
)

const (
	StatusPaymentRequired = "payment-required"
	StatusProcessing      = "processing"
	StatusError           = "error"
)

// resultTTL is how long published results stay relevant before relays
// may drop them.
const resultTTL = 24 * time.Hour

type Builder struct {
	secretKey string
}

func NewBuilder(secretKey string) *Builder {
	return &Builder{secretKey: secretKey}
}

// PaymentRequired announces the invoice the requester must settle.
func (b *Builder) PaymentRequired(
	request nostr.Event,
	amountMsats int64,
	invoice lightning.Invoice,
) (nostr.Event, error) {
	event := statusEvent(request, StatusPaymentRequired, "Please pay the provided invoice")
	event.Tags = append(event.Tags,
		nostr.Tag{"amount", strconv.FormatInt(amountMsats, 10), invoice.PaymentRequest},
		expirationTag(invoice.ExpiresAt),
	)
	return b.sign(event)
}

func (b *Builder) Processing(request nostr.Event) (nostr.Event, error) {
	return b.sign(statusEvent(request, StatusProcessing, "Processing your request"))
}

// Error reports a public failure back to the requester.
func (b *Builder) Error(request nostr.Event, reason string) (nostr.Event, error) {
	return b.sign(statusEvent(request, StatusError, reason))
}

// Result carries the retrieved note ids. The full request is echoed in a
// "request" tag and the resolved input reference, when the job chained,
// rides along so the requester can extend the chain.
func (b *Builder) Result(job *domain.Job, noteIDs []string) (nostr.Event, error) {
	refs := make([][]string, 0, len(noteIDs))
	for _, id := range noteIDs {
		refs = append(refs, []string{"e", id})
	}
	content, err := json.Marshal(refs)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode result content: %w", err)
	}

	serializedRequest, err := json.Marshal(job.Request)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode request tag: %w", err)
	}

	tags := nostr.Tags{
		{"request", string(serializedRequest)},
		{"e", job.ID()},
		{"p", job.Requester()},
	}
	if job.Input != nil {
		tags = append(tags, job.Input.Tag())
	}
	tags = append(tags, expirationTag(time.Now().Add(resultTTL)))

	return b.sign(nostr.Event{
		Kind:      domain.KindContentResult,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	})
}

func statusEvent(request nostr.Event, status, message string) nostr.Event {
	return nostr.Event{
		Kind:      domain.KindJobStatus,
		CreatedAt: nostr.Now(),
		Content:   message,
		Tags: nostr.Tags{
			{"status", status},
			{"e", request.ID},
			{"p", request.PubKey},
		},
	}
}

func expirationTag(at time.Time) nostr.Tag {
	return nostr.Tag{"expiration", strconv.FormatInt(at.Unix(), 10)}
}

func (b *Builder) sign(event nostr.Event) (nostr.Event, error) {
	if err := event.Sign(b.secretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return event, nil
}
