package domain

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// NIP-90 event kinds handled by this vending machine.
const (
	KindContentRequest = 5300
	KindContentResult  = 6300
	KindJobStatus      = 7000
	KindRelayList      = 10002

	// KindNote is the content kind served back to requesters.
	KindNote = 1
)

// TimePeriod bounds how far back a content query reaches.
type TimePeriod string

const (
	PeriodDay   TimePeriod = "day"
	PeriodWeek  TimePeriod = "week"
	PeriodMonth TimePeriod = "month"
	PeriodYear  TimePeriod = "year"
	PeriodAll   TimePeriod = "all"

	DefaultTimePeriod = PeriodYear
)

// ParseTimePeriod maps a raw param value to a TimePeriod. An empty value
// falls back to the default; any other unknown value is rejected.
func ParseTimePeriod(value string) (TimePeriod, bool) {
	switch TimePeriod(value) {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return TimePeriod(value), true
	case "":
		return DefaultTimePeriod, true
	default:
		return "", false
	}
}

// FloorUnix returns the oldest admitted creation time for a window
// anchored at from. Subtraction is calendar-aware, not a fixed duration.
func (p TimePeriod) FloorUnix(from time.Time) int64 {
	switch p {
	case PeriodDay:
		return from.AddDate(0, 0, -1).Unix()
	case PeriodWeek:
		return from.AddDate(0, 0, -7).Unix()
	case PeriodMonth:
		return from.AddDate(0, -1, 0).Unix()
	case PeriodYear:
		return from.AddDate(-1, 0, 0).Unix()
	default:
		// PeriodAll admits everything.
		return 0
	}
}

// InputRef is the parsed ["i", value, type, relay?, marker?] tag of a
// request. For chained jobs Value holds the request id of the prior job;
// the prior job itself is only ever resolved through the completed
// registry, never held directly.
type InputRef struct {
	Value  string `json:"value"`
	Type   string `json:"type"`
	Relay  string `json:"relay,omitempty"`
	Marker string `json:"marker,omitempty"`
}

// Tag renders the reference back into its wire form.
func (r InputRef) Tag() nostr.Tag {
	tag := nostr.Tag{"i", r.Value, r.Type}
	if r.Relay != "" || r.Marker != "" {
		tag = append(tag, r.Relay)
	}
	if r.Marker != "" {
		tag = append(tag, r.Marker)
	}
	return tag
}

// Job is one unit of payment-gated retrieval work tied to one inbound
// request event. It is keyed by the request id and mutated only by the
// orchestrator (invoice fields, set once after issuance).
type Job struct {
	Request    nostr.Event `json:"request"`
	TimePeriod TimePeriod  `json:"time_period"`
	Input      *InputRef   `json:"input,omitempty"`

	PaymentHash      string    `json:"payment_hash,omitempty"`
	PaymentRequest   string    `json:"payment_request,omitempty"`
	InvoiceExpiresAt time.Time `json:"invoice_expires_at,omitempty"`
}

func (j *Job) ID() string {
	return j.Request.ID
}

func (j *Job) Requester() string {
	return j.Request.PubKey
}

// IsRoot reports whether this job heads a pagination chain.
func (j *Job) IsRoot() bool {
	return j.Input == nil
}
