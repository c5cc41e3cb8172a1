package balancer

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	gate "github.com/ccgate/ccgate/internal"
)

// probeInterval is the gap between probe rounds.
const probeInterval = 30 * time.Second

// Prober periodically checks each upstream's health endpoint and records
// the result in the balancer. A 200-399 response is healthy; any other
// status, error, or timeout is unhealthy.
type Prober struct {
	balancer *Balancer
	client   *http.Client
	kick     chan struct{}
}

// NewProber returns a Prober for b using client for probe requests.
// Per-probe timeouts come from each upstream's health-check config.
func NewProber(b *Balancer, client *http.Client) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{balancer: b, client: client, kick: make(chan struct{}, 1)}
}

// Name returns the worker identifier.
func (p *Prober) Name() string { return "health_prober" }

// Kick schedules an immediate probe round, restarting the interval.
// Called after config reload.
func (p *Prober) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run probes every 30 seconds until ctx is cancelled. The first round
// runs immediately.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-p.kick:
			ticker.Reset(probeInterval)
			p.probeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// probeAll fans out one probe per enabled upstream and waits for all.
func (p *Prober) probeAll(ctx context.Context) {
	upstreams := p.balancer.Upstreams()
	g, ctx := errgroup.WithContext(ctx)
	for i := range upstreams {
		u := upstreams[i]
		if !u.Enabled {
			continue
		}
		g.Go(func() error {
			p.probe(ctx, &u)
			return nil
		})
	}
	g.Wait()
}

// probe checks one upstream and records transitions at INFO.
func (p *Prober) probe(ctx context.Context, u *gate.Upstream) {
	prev := p.balancer.HealthOf(u.ID)
	next := p.check(ctx, u)
	p.balancer.SetHealth(u.ID, next)
	if prev != next {
		slog.Info("upstream health changed",
			"upstream", u.ID,
			"from", prev.String(),
			"to", next.String(),
		)
	}
}

func (p *Prober) check(ctx context.Context, u *gate.Upstream) gate.Health {
	probeURL := strings.TrimSuffix(u.URL, "/") + u.ProbePath()
	ctx, cancel := context.WithTimeout(ctx, u.ProbeTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return gate.HealthUnhealthy
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return gate.HealthUnhealthy
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return gate.HealthHealthy
	}
	return gate.HealthUnhealthy
}
