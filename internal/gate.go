// Package gate defines domain types and errors for the CCGate proxy.
// This package has no project imports -- it is the dependency root.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// --- Upstream ---

// Upstream is a backend endpoint implementing the Anthropic Messages API.
type Upstream struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	URL         string       `json:"url"`
	Key         string       `json:"-"` // never exposed
	Weight      int          `json:"weight"`
	Enabled     bool         `json:"enabled"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`
}

// HealthCheck configures the periodic probe for one upstream.
type HealthCheck struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"-"`
}

// DefaultWeight is used when an upstream omits its weight.
const DefaultWeight = 100

// ProbePath returns the configured health-check path, or "/health".
func (u *Upstream) ProbePath() string {
	if u.HealthCheck != nil && u.HealthCheck.Path != "" {
		return u.HealthCheck.Path
	}
	return "/health"
}

// ProbeTimeout returns the configured probe timeout, or 5 seconds.
func (u *Upstream) ProbeTimeout() time.Duration {
	if u.HealthCheck != nil && u.HealthCheck.Timeout > 0 {
		return u.HealthCheck.Timeout
	}
	return 5 * time.Second
}

// Health is the tri-state probe result for an upstream.
// Unknown is treated as healthy by the balancer.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// --- Tenant ---

// Tenant is an authenticated consumer identified by a secret key.
type Tenant struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Key           string   `json:"-"` // never exposed
	Enabled       bool     `json:"enabled"`
	AllowedModels []string `json:"allowedModels,omitempty"` // glob patterns; empty = all
	DailyLimitUSD *float64 `json:"dailyLimitUSD,omitempty"` // nil = unlimited
}

// --- Pricing ---

// PricingRate is the USD price per 1,000 tokens for one model pattern.
type PricingRate struct {
	Input         float64 `json:"input"`
	Output        float64 `json:"output"`
	CacheCreation float64 `json:"cacheCreation"`
	CacheRead     float64 `json:"cacheRead"`
}

// PricingEntry pairs a model glob pattern with its rate. Order matters:
// lookup is exact-first, then first wildcard match in entry order.
type PricingEntry struct {
	Pattern string
	Rate    PricingRate
}

// CostBreakdown is the priced result of one request's token usage.
type CostBreakdown struct {
	Input         float64 `json:"inputCost"`
	Output        float64 `json:"outputCost"`
	CacheCreation float64 `json:"cacheCreationCost"`
	CacheRead     float64 `json:"cacheReadCost"`
	Total         float64 `json:"totalCost"`
}

// --- Token usage ---

// TokenUsage holds the token counters extracted from an upstream response.
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all token counters.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// IsZero reports whether no tokens were observed.
func (u TokenUsage) IsZero() bool { return u == TokenUsage{} }

// --- Usage record ---

// UsageRecord is one immutable line in a tenant's daily usage file.
type UsageRecord struct {
	RequestID           string    `json:"requestId"`
	TenantID            string    `json:"tenantId"`
	Timestamp           time.Time `json:"timestamp"` // UTC
	Model               string    `json:"model"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	CacheCreationTokens int64     `json:"cacheCreationTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens"`
	TotalTokens         int64     `json:"totalTokens"`
	InputCost           float64   `json:"inputCost"`
	OutputCost          float64   `json:"outputCost"`
	CacheCreationCost   float64   `json:"cacheCreationCost"`
	CacheReadCost       float64   `json:"cacheReadCost"`
	TotalCost           float64   `json:"totalCost"`
	DurationMs          int64     `json:"duration"`
	StatusCode          int       `json:"statusCode"`
	UpstreamID          string    `json:"upstreamId"`
	UserAgent           string    `json:"userAgent,omitempty"`
	ClientIP            string    `json:"clientIP,omitempty"`
}

// --- Request identity ---

// NewRequestID returns a fresh request identifier: 8 random bytes, hex.
func NewRequestID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyTenant
)

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithTenant stores the authenticated tenant in ctx.
func ContextWithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, ctxKeyTenant, t)
}

// TenantFromContext extracts the authenticated tenant from ctx, or nil.
func TenantFromContext(ctx context.Context) *Tenant {
	t, _ := ctx.Value(ctxKeyTenant).(*Tenant)
	return t
}
