// Package dvm implements the request side of the vending-machine
// protocol: typed tag extraction and validation of inbound job requests.
package dvm

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
)

var (
	ErrMissingInputValue = errors.New("input tag without value")
	ErrMissingInputType  = errors.New("input tag without type")
)

// ParseInput extracts the ["i", value, type, relay?, marker?] tag.
// Returns (nil, nil) when the tag is absent; a present-but-malformed tag
// is an error.
func ParseInput(event *nostr.Event) (*domain.InputRef, error) {
	tag := findTag(event, "i")
	if tag == nil {
		return nil, nil
	}

	ref := domain.InputRef{}
	if len(tag) > 1 {
		ref.Value = tag[1]
	}
	if len(tag) > 2 {
		ref.Type = tag[2]
	}
	if len(tag) > 3 {
		ref.Relay = tag[3]
	}
	if len(tag) > 4 {
		ref.Marker = tag[4]
	}

	if ref.Value == "" {
		return nil, ErrMissingInputValue
	}
	if ref.Type == "" {
		return nil, ErrMissingInputType
	}
	return &ref, nil
}

// Param returns the first ["param", name, value] tag value, or "".
func Param(event *nostr.Event, name string) string {
	for _, tag := range event.Tags {
		if len(tag) >= 3 && tag[0] == "param" && tag[1] == name {
			return tag[2]
		}
	}
	return ""
}

// TargetRelays returns the requester's elected delivery endpoints from
// the ["relays", url...] tag.
func TargetRelays(event *nostr.Event) []string {
	for _, tag := range event.Tags {
		if len(tag) > 1 && tag[0] == "relays" {
			return tag[1:]
		}
	}
	return nil
}

// AddressedTo reports whether the event carries a ["p", pubkey] tag for
// the given identity.
func AddressedTo(event *nostr.Event, pubkey string) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}

func findTag(event *nostr.Event, name string) nostr.Tag {
	for _, tag := range event.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}
