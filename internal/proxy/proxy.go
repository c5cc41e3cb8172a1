// Package proxy implements the streaming reverse proxy in front of the
// Anthropic Messages API upstream pool: request buffering, header and
// path rewriting, zero-buffer response forwarding with a metering tee,
// and per-request usage recording.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	gate "github.com/ccgate/ccgate/internal"
	"github.com/ccgate/ccgate/internal/auth"
	"github.com/ccgate/ccgate/internal/balancer"
	"github.com/ccgate/ccgate/internal/pricing"
	"github.com/ccgate/ccgate/internal/telemetry"
	"github.com/ccgate/ccgate/internal/usage"
)

// maxRequestBody caps buffered request bodies (4 MB).
const maxRequestBody = 4 << 20

// anthropicPrefix is stripped from incoming paths before forwarding.
const anthropicPrefix = "/anthropic"

// bodyPool reuses buffers for request body reads.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Deps holds the proxy's collaborators.
type Deps struct {
	Auth     *auth.Authenticator
	Guard    *usage.Guard
	Balancer *balancer.Balancer
	Pricer   *pricing.Pricer
	Usage    *usage.Store
	Timeout  func() time.Duration // upstream request timeout from the live snapshot
	Client   *http.Client         // upstream client; timeouts come from request contexts
	Metrics  *telemetry.Metrics   // nil = no metrics
}

// Proxy forwards requests to the upstream pool.
type Proxy struct {
	deps Deps
}

// New returns a Proxy with the given dependencies.
func New(deps Deps) *Proxy {
	if deps.Client == nil {
		deps.Client = &http.Client{Transport: NewTransport(nil)}
	}
	return &Proxy{deps: deps}
}

// ServeHTTP handles one client request end to end: authenticate, check
// the spend limit, select an upstream, forward, stream back, meter.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	requestID := gate.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = gate.NewRequestID()
		ctx = gate.ContextWithRequestID(ctx, requestID)
		r = r.WithContext(ctx)
	}

	// Buffer the full request body; it is replayed to the upstream and
	// parsed for the model field.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		WriteError(w, requestID, gate.Errf(gate.KindInvalidRequest,
			http.StatusBadRequest, "failed to read request body"))
		return
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)

	tenant, aerr := p.deps.Auth.Authenticate(r)
	if aerr != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.AuthFailures.WithLabelValues(aerr.Kind).Inc()
		}
		WriteError(w, requestID, aerr)
		return
	}

	var model string
	if gjson.ValidBytes(body) {
		model = gjson.GetBytes(body, "model").String()
	}
	if err := auth.CheckModel(tenant, model); err != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.AuthFailures.WithLabelValues(err.Kind).Inc()
		}
		WriteError(w, requestID, err)
		return
	}

	if model != "" && p.deps.Guard != nil {
		if exceeded, msg := p.deps.Guard.CheckExceeded(tenant, model, gate.TokenUsage{}); exceeded {
			if p.deps.Metrics != nil {
				p.deps.Metrics.LimitRejects.WithLabelValues(tenant.ID).Inc()
			}
			WriteError(w, requestID, gate.Errf(gate.KindLimitExceeded,
				http.StatusTooManyRequests, "%s", msg))
			return
		}
	}

	upstream, err := p.deps.Balancer.Select()
	if err != nil {
		WriteError(w, requestID, gate.AsAPIError(err))
		return
	}

	p.forward(w, r, forwardArgs{
		start:     start,
		requestID: requestID,
		tenant:    tenant,
		model:     model,
		upstream:  upstream,
		body:      body,
	})
}

type forwardArgs struct {
	start     time.Time
	requestID string
	tenant    *gate.Tenant
	model     string
	upstream  *gate.Upstream
	body      []byte
}

// forward performs the upstream exchange and streams the response back,
// tee-ing the body into a buffer read once for usage extraction.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, args forwardArgs) {
	upURL, err := url.Parse(args.upstream.URL)
	if err != nil {
		// Config validation rejects unparseable URLs; this is unreachable
		// short of a racing bad reload.
		WriteError(w, args.requestID, gate.Errf(gate.KindUpstreamError,
			http.StatusBadGateway, "invalid upstream url"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout())
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method,
		buildTargetURL(upURL, r.URL), bytes.NewReader(args.body))
	if err != nil {
		WriteError(w, args.requestID, gate.Errf(gate.KindUpstreamError,
			http.StatusBadGateway, "%s", err.Error()))
		return
	}

	copyRequestHeaders(outReq.Header, r.Header)
	outReq.Host = upURL.Host
	if args.upstream.Key != "" {
		outReq.Header.Set("Authorization", "Bearer "+args.upstream.Key)
		outReq.Header.Del("X-Api-Key")
	}

	resp, err := p.deps.Client.Do(outReq)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream request failed",
			slog.String("request_id", args.requestID),
			slog.String("upstream", args.upstream.ID),
			slog.String("error", err.Error()),
		)
		WriteError(w, args.requestID, gate.Errf(gate.KindUpstreamError,
			http.StatusBadGateway, "%s", err.Error()))
		p.record(r, args, http.StatusBadGateway, nil)
		return
	}
	defer resp.Body.Close()

	// Headers are written exactly once, here. From this point on any
	// failure terminates the stream silently; the client must never see
	// a JSON error spliced into a partial body.
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	var tee bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			tee.Write(chunk[:n])
			if _, writeErr := w.Write(chunk[:n]); writeErr != nil {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "client write failed, terminating stream",
					slog.String("request_id", args.requestID),
					slog.String("error", writeErr.Error()),
				)
				break
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream read failed mid-stream",
					slog.String("request_id", args.requestID),
					slog.String("upstream", args.upstream.ID),
					slog.String("error", readErr.Error()),
				)
			}
			break
		}
	}

	p.record(r, args, resp.StatusCode, tee.Bytes())
}

func (p *Proxy) timeout() time.Duration {
	if p.deps.Timeout != nil {
		if d := p.deps.Timeout(); d > 0 {
			return d
		}
	}
	return 120 * time.Second
}

// record prices the observed usage and appends the usage record.
// Extraction failures record zeros; persistence failures are logged and
// swallowed -- metering never fails the client response.
func (p *Proxy) record(r *http.Request, args forwardArgs, status int, responseBody []byte) {
	var tokens gate.TokenUsage
	if u := ExtractUsage(responseBody); u != nil {
		tokens = *u
	}
	var cost gate.CostBreakdown
	if p.deps.Pricer != nil && !tokens.IsZero() {
		cost = p.deps.Pricer.Cost(args.model, tokens)
	}

	rec := gate.UsageRecord{
		RequestID:           args.requestID,
		TenantID:            args.tenant.ID,
		Timestamp:           time.Now().UTC(),
		Model:               args.model,
		InputTokens:         tokens.InputTokens,
		OutputTokens:        tokens.OutputTokens,
		CacheCreationTokens: tokens.CacheCreationTokens,
		CacheReadTokens:     tokens.CacheReadTokens,
		TotalTokens:         tokens.Total(),
		InputCost:           cost.Input,
		OutputCost:          cost.Output,
		CacheCreationCost:   cost.CacheCreation,
		CacheReadCost:       cost.CacheRead,
		TotalCost:           cost.Total,
		DurationMs:          time.Since(args.start).Milliseconds(),
		StatusCode:          status,
		UpstreamID:          args.upstream.ID,
		UserAgent:           r.UserAgent(),
		ClientIP:            clientIP(r),
	}

	if p.deps.Usage != nil {
		if err := p.deps.Usage.Record(args.tenant.ID, rec); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "usage record failed",
				slog.String("request_id", args.requestID),
				slog.String("tenant", args.tenant.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.deps.Metrics != nil {
		m := p.deps.Metrics
		m.UsageRecords.WithLabelValues(args.tenant.ID).Inc()
		m.TokensProcessed.WithLabelValues(args.tenant.ID, args.model, "input").Add(float64(tokens.InputTokens))
		m.TokensProcessed.WithLabelValues(args.tenant.ID, args.model, "output").Add(float64(tokens.OutputTokens))
		m.UsageCostUSD.WithLabelValues(args.tenant.ID, args.model).Add(cost.Total)
	}
}

// buildTargetURL maps the incoming path onto the upstream. Paths under
// /anthropic lose the prefix and gain the upstream's own path component;
// everything else passes through unchanged.
func buildTargetURL(upURL *url.URL, in *url.URL) string {
	path := in.Path
	if strings.HasPrefix(path, anthropicPrefix) {
		path = strings.TrimPrefix(path, anthropicPrefix)
		if path == "" {
			path = "/"
		}
		if base := strings.TrimSuffix(upURL.Path, "/"); base != "" {
			path = base + path
		}
	}
	target := upURL.Scheme + "://" + upURL.Host + path
	if in.RawQuery != "" {
		target += "?" + in.RawQuery
	}
	return target
}

// copyRequestHeaders copies client headers minus hop-by-hop headers and
// Content-Length (the HTTP client recomputes it from the buffered body).
func copyRequestHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if key == "Content-Length" {
			continue
		}
		dst[key] = vals
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		dst[key] = vals
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorBody is the JSON error envelope for the Anthropic-facing surface.
type errorBody struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"error"`
	RequestID string `json:"requestId"`
}

// WriteError renders an APIError as the single JSON error body for this
// request. 401 responses carry the WWW-Authenticate challenge.
func WriteError(w http.ResponseWriter, requestID string, apiErr *gate.APIError) {
	var body errorBody
	body.Error.Type = apiErr.Kind
	body.Error.Message = apiErr.Message
	body.Error.Timestamp = time.Now().UTC().Format(time.RFC3339)
	body.RequestID = requestID

	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode error response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if apiErr.Status == http.StatusUnauthorized {
		h.Set("WWW-Authenticate", `Bearer realm="CCGate API", charset="UTF-8"`)
	}
	w.WriteHeader(apiErr.Status)
	w.Write(data)
}
