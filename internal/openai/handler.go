package openai

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// messagesPath is the Anthropic-surface path the translated request is
// dispatched to; the proxy strips the prefix before forwarding.
const messagesPath = "/anthropic/v1/messages"

// userAgent is the stable identifier the translator presents upstream in
// place of whatever the browser or SDK sent.
const userAgent = "ccgate-openai-compat/1.0"

// maxRequestBody mirrors the proxy's request body cap.
const maxRequestBody = 4 << 20

// Settings is the translator's live configuration view.
type Settings struct {
	Enabled bool
	Mapping ModelMapping
}

// Handler fronts the Anthropic proxy with the OpenAI Chat Completions
// wire protocol.
type Handler struct {
	proxy    http.Handler
	settings func() Settings
}

// NewHandler wraps proxy. settings is consulted per request so config
// reloads take effect immediately.
func NewHandler(proxy http.Handler, settings func() Settings) *Handler {
	return &Handler{proxy: proxy, settings: settings}
}

// ServeHTTP translates one chat completion request, dispatches it through
// the Anthropic proxy via a wrapping response sink, and renders the
// translated response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings := h.settings()
	if !settings.Enabled {
		writeOpenAIError(w, http.StatusServiceUnavailable, ErrorDetail{
			Message: "OpenAI compatibility layer is disabled",
			Type:    "service_unavailable",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, ErrorDetail{
			Message: "failed to read request body",
			Type:    "invalid_request_error",
		})
		return
	}

	var req ChatRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, ErrorDetail{
			Message: "request body is not valid JSON",
			Type:    "invalid_request_error",
		})
		return
	}

	anthReq := translateRequest(&req, settings.Mapping)
	anthBody, err := sonic.Marshal(anthReq)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, ErrorDetail{
			Message: "failed to encode upstream request",
			Type:    "api_error",
		})
		return
	}

	scrubHeaders(r.Header)
	r.URL.Path = messagesPath
	r.URL.RawQuery = ""
	r.Body = io.NopCloser(bytes.NewReader(anthBody))
	r.ContentLength = int64(len(anthBody))

	slog.LogAttrs(r.Context(), slog.LevelDebug, "openai request translated",
		slog.String("openai_model", req.Model),
		slog.String("model", anthReq.Model),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		sink := newStreamSink(w, anthReq.Model)
		h.proxy.ServeHTTP(sink, r)
		sink.finish()
		return
	}

	sink := newBufferSink()
	h.proxy.ServeHTTP(sink, r)
	sink.finish(w, anthReq.Model)
}

// scrubHeaders removes browser-origin headers that would leak the calling
// page to the upstream, and pins a stable User-Agent.
func scrubHeaders(h http.Header) {
	h.Del("Referer")
	h.Del("Origin")
	for key := range h {
		if strings.HasPrefix(key, "Sec-Fetch-") || strings.HasPrefix(key, "Sec-Ch-Ua") {
			delete(h, key)
		}
	}
	h.Set("User-Agent", userAgent)
}
