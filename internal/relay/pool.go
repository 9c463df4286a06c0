package relay

import (
	"context"
	"log"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
)

// Transport is the event-network surface the orchestrator depends on.
type Transport interface {
	Subscribe(ctx context.Context, filters nostr.Filters) <-chan nostr.Event
	// Publish fans an event out to the configured relays plus any extras,
	// best effort. Per-relay failures are logged, never retried.
	Publish(ctx context.Context, extraRelays []string, event nostr.Event)
	EnsureConnection(ctx context.Context)
}

// Pool wraps a go-nostr SimplePool for a fixed relay set.
type Pool struct {
	pool    *nostr.SimplePool
	relays  []string
	limiter *rate.Limiter
	logger  *log.Logger
}

type PoolConfig struct {
	Relays       []string
	PublishRPS   float64
	PublishBurst int
	Logger       *log.Logger
}

func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.PublishRPS <= 0 {
		cfg.PublishRPS = 10
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 20
	}
	return &Pool{
		pool:    nostr.NewSimplePool(ctx),
		relays:  cfg.Relays,
		limiter: rate.NewLimiter(rate.Limit(cfg.PublishRPS), cfg.PublishBurst),
		logger:  cfg.Logger,
	}
}

func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) <-chan nostr.Event {
	incoming := p.pool.SubMany(ctx, p.relays, filters)

	out := make(chan nostr.Event)
	go func() {
		defer close(out)
		for item := range incoming {
			if item.Event == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- *item.Event:
			}
		}
	}()
	return out
}

func (p *Pool) Publish(ctx context.Context, extraRelays []string, event nostr.Event) {
	for _, url := range mergeRelays(p.relays, extraRelays) {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		relay, err := p.pool.EnsureRelay(url)
		if err != nil {
			p.logf("connect %s: %v", url, err)
			continue
		}
		if err := relay.Publish(ctx, event); err != nil {
			p.logf("publish %s to %s: %v", event.ID, url, err)
		}
	}
}

func (p *Pool) EnsureConnection(ctx context.Context) {
	for _, url := range p.relays {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := p.pool.EnsureRelay(url); err != nil {
			p.logf("reconnect %s: %v", url, err)
		}
	}
}

// PublishRelayList announces the relay set (kind 10002) so requesters can
// find where this machine listens.
func (p *Pool) PublishRelayList(ctx context.Context, secretKey string, announceRelays []string) error {
	tags := make(nostr.Tags, 0, len(p.relays))
	for _, url := range p.relays {
		tags = append(tags, nostr.Tag{"r", url})
	}

	event := nostr.Event{
		Kind:      domain.KindRelayList,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	if err := event.Sign(secretKey); err != nil {
		return err
	}

	p.Publish(ctx, announceRelays, event)
	return nil
}

func (p *Pool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func mergeRelays(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))
	for _, url := range append(append([]string{}, base...), extra...) {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		merged = append(merged, url)
	}
	return merged
}
