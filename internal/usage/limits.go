package usage

import (
	"fmt"
	"log/slog"

	gate "github.com/ccgate/ccgate/internal"
)

// CostEstimator prices a projected request for the preflight check.
type CostEstimator interface {
	Cost(model string, usage gate.TokenUsage) gate.CostBreakdown
}

// Guard performs the preflight daily-spend check. The check is advisory:
// it compares today's observed spend plus the projected cost of the
// current request against the tenant cap. Projected tokens are usually
// zero, so the guard primarily rejects tenants whose spend already exceeds
// the cap; in-flight requests may collectively overshoot and are caught
// on the next request.
type Guard struct {
	store  *Store
	pricer CostEstimator
}

// NewGuard returns a Guard over store and pricer.
func NewGuard(store *Store, pricer CostEstimator) *Guard {
	return &Guard{store: store, pricer: pricer}
}

// CheckExceeded reports whether serving the request would put the tenant
// over its daily cap. Tenants without a cap never exceed. Spend-read
// failures fail open with a warning; metering must not take the proxy down.
func (g *Guard) CheckExceeded(tenant *gate.Tenant, model string, projected gate.TokenUsage) (bool, string) {
	if tenant.DailyLimitUSD == nil {
		return false, ""
	}
	maxUSD := *tenant.DailyLimitUSD

	spend, err := g.store.TodaySpend(tenant.ID)
	if err != nil {
		slog.Warn("daily spend read failed, allowing request",
			"tenant", tenant.ID, "error", err)
		return false, ""
	}

	projectedCost := 0.0
	if !projected.IsZero() {
		projectedCost = g.pricer.Cost(model, projected).Total
	}

	newTotal := spend + projectedCost
	if newTotal > maxUSD {
		return true, fmt.Sprintf(
			"daily spending limit exceeded: $%.6f spent + $%.6f projected > $%.2f cap",
			spend, projectedCost, maxUSD)
	}
	return false, ""
}
