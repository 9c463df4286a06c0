package response

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
	"github.com/hzrd149/pow-content-dvm/internal/lightning"
)

func testRequest() nostr.Event {
	return nostr.Event{
		ID:        "req-id",
		PubKey:    "requester-pubkey",
		Kind:      domain.KindContentRequest,
		CreatedAt: nostr.Now(),
	}
}

func tagValue(t *testing.T, event nostr.Event, name string) nostr.Tag {
	t.Helper()
	for _, tag := range event.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	t.Fatalf("missing %q tag in %v", name, event.Tags)
	return nil
}

func TestPaymentRequiredCarriesInvoice(t *testing.T) {
	builder := NewBuilder(nostr.GeneratePrivateKey())

	event, err := builder.PaymentRequired(testRequest(), 10_000, lightning.Invoice{
		PaymentRequest: "lnbc10n1...",
		PaymentHash:    "hash",
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if event.Kind != domain.KindJobStatus {
		t.Fatalf("expected status kind, got %d", event.Kind)
	}
	if got := tagValue(t, event, "status"); got[1] != StatusPaymentRequired {
		t.Fatalf("unexpected status %q", got[1])
	}
	amount := tagValue(t, event, "amount")
	if amount[1] != "10000" || amount[2] != "lnbc10n1..." {
		t.Fatalf("unexpected amount tag %v", amount)
	}
	if got := tagValue(t, event, "e"); got[1] != "req-id" {
		t.Fatalf("unexpected request reference %v", got)
	}
	if got := tagValue(t, event, "p"); got[1] != "requester-pubkey" {
		t.Fatalf("unexpected requester reference %v", got)
	}
	tagValue(t, event, "expiration")

	if ok, _ := event.CheckSignature(); !ok {
		t.Fatalf("expected valid signature")
	}
}

func TestErrorStatusCarriesReason(t *testing.T) {
	builder := NewBuilder(nostr.GeneratePrivateKey())

	event, err := builder.Error(testRequest(), "no events left")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := tagValue(t, event, "status"); got[1] != StatusError {
		t.Fatalf("unexpected status %q", got[1])
	}
	if event.Content != "no events left" {
		t.Fatalf("unexpected content %q", event.Content)
	}
}

func TestResultReferencesItemsByIdentity(t *testing.T) {
	builder := NewBuilder(nostr.GeneratePrivateKey())

	job := &domain.Job{
		Request:    testRequest(),
		TimePeriod: domain.PeriodWeek,
		Input:      &domain.InputRef{Value: "prior-id", Type: "event"},
	}
	event, err := builder.Result(job, []string{"n1", "n2"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if event.Kind != domain.KindContentResult {
		t.Fatalf("expected result kind, got %d", event.Kind)
	}

	var refs [][]string
	if err := json.Unmarshal([]byte(event.Content), &refs); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if len(refs) != 2 || refs[0][0] != "e" || refs[0][1] != "n1" || refs[1][1] != "n2" {
		t.Fatalf("unexpected content refs %v", refs)
	}

	if got := tagValue(t, event, "i"); got[1] != "prior-id" {
		t.Fatalf("expected input reference to ride along, got %v", got)
	}

	requestTag := tagValue(t, event, "request")
	var echoed nostr.Event
	if err := json.Unmarshal([]byte(requestTag[1]), &echoed); err != nil {
		t.Fatalf("decode echoed request: %v", err)
	}
	if echoed.ID != "req-id" {
		t.Fatalf("unexpected echoed request id %q", echoed.ID)
	}
}

func TestRootResultOmitsInputTag(t *testing.T) {
	builder := NewBuilder(nostr.GeneratePrivateKey())

	event, err := builder.Result(&domain.Job{Request: testRequest(), TimePeriod: domain.PeriodAll}, []string{"n1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, tag := range event.Tags {
		if len(tag) > 0 && tag[0] == "i" {
			t.Fatalf("root result must not carry an input tag: %v", tag)
		}
	}
}
