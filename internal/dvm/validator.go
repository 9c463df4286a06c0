package dvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
	"github.com/hzrd149/pow-content-dvm/internal/registry"
)

// PublicError marks a failure the requester should hear about. Anything
// else is dropped silently (spam and misaddressed traffic get no reply).
type PublicError struct {
	Message string
}

func (e *PublicError) Error() string {
	return e.Message
}

var (
	ErrNotAddressed      = errors.New("request not addressed to this machine")
	ErrUnknownTimePeriod = errors.New("unknown timePeriod param")
)

// Validator turns admissible request events into jobs. Input references
// are resolved through the completed registry so a chained request can
// only continue work this machine actually finished.
type Validator struct {
	pubkey   string
	registry registry.Registry
}

func NewValidator(pubkey string, reg registry.Registry) *Validator {
	return &Validator{pubkey: pubkey, registry: reg}
}

func (v *Validator) Build(ctx context.Context, request nostr.Event) (*domain.Job, error) {
	if !AddressedTo(&request, v.pubkey) {
		return nil, ErrNotAddressed
	}

	period, ok := domain.ParseTimePeriod(Param(&request, "timePeriod"))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimePeriod, Param(&request, "timePeriod"))
	}

	input, err := ParseInput(&request)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{Request: request, TimePeriod: period}
	// Only event inputs chain; any other input type means a fresh job.
	if input == nil || input.Type != "event" {
		return job, nil
	}

	if _, err := v.registry.GetCompleted(ctx, input.Value); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &PublicError{Message: "can't find old job"}
		}
		return nil, fmt.Errorf("resolve input %s: %w", input.Value, err)
	}

	job.Input = input
	return job, nil
}
