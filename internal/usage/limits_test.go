package usage

import (
	"strings"
	"testing"
	"time"

	gate "github.com/ccgate/ccgate/internal"
)

// flatPricer charges a fixed amount per 1K total tokens.
type flatPricer struct{ perK float64 }

func (p flatPricer) Cost(_ string, u gate.TokenUsage) gate.CostBreakdown {
	total := float64(u.Total()) / 1000 * p.perK
	return gate.CostBreakdown{Total: total}
}

func tenantWithCap(maxUSD float64) *gate.Tenant {
	return &gate.Tenant{ID: "acme", Name: "Acme", Enabled: true, DailyLimitUSD: &maxUSD}
}

func TestCheckExceededNoCap(t *testing.T) {
	t.Parallel()
	g := NewGuard(NewStore(t.TempDir()), flatPricer{perK: 1})
	tenant := &gate.Tenant{ID: "acme"}
	if exceeded, _ := g.CheckExceeded(tenant, "m", gate.TokenUsage{}); exceeded {
		t.Error("uncapped tenant exceeded")
	}
}

func TestCheckExceededAtCap(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())
	g := NewGuard(store, flatPricer{perK: 1})
	tenant := tenantWithCap(1.0)

	// At the cap with zero projection: allowed (strict > comparison).
	if err := store.Record("acme", record("r1", 1.0, 200, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	exceeded, _ := g.CheckExceeded(tenant, "m", gate.TokenUsage{})
	if exceeded {
		t.Error("spend == cap with zero projection should not exceed")
	}

	// Any projected cost now pushes past the cap.
	exceeded, msg := g.CheckExceeded(tenant, "m", gate.TokenUsage{InputTokens: 1000})
	if !exceeded {
		t.Fatal("projected cost past cap should exceed")
	}
	if !strings.Contains(msg, "daily spending limit exceeded") {
		t.Errorf("message = %q", msg)
	}
}

func TestCheckExceededOverCap(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())
	g := NewGuard(store, flatPricer{perK: 1})
	if err := store.Record("acme", record("r1", 150, 200, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	exceeded, msg := g.CheckExceeded(tenantWithCap(100), "m", gate.TokenUsage{})
	if !exceeded || msg == "" {
		t.Errorf("exceeded = %v, msg = %q; want true with message", exceeded, msg)
	}
}
