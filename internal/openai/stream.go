package openai

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

// Pre-allocated SSE framing bytes for the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// streamSink is the wrapping response sink handed to the Anthropic proxy
// for streaming requests. The proxy writes the raw upstream bytes into
// it; the sink re-emits them as OpenAI chat.completion.chunk frames.
// It owns the response status and headers, suppressing the proxy's own
// header write so they are written exactly once.
type streamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	model   string
	chunkID string
	created int64

	header   http.Header // discarded; the sink sets its own headers
	status   int
	errMode  bool
	errBody  bytes.Buffer
	lineBuf  []byte
	curEvent string
}

func newStreamSink(w http.ResponseWriter, model string) *streamSink {
	flusher, _ := w.(http.Flusher)
	return &streamSink{
		w:       w,
		flusher: flusher,
		model:   model,
		chunkID: newCompletionID(),
		created: time.Now().Unix(),
		header:  make(http.Header),
	}
}

// Header returns a throwaway header map: upstream response headers do
// not apply to the translated SSE stream.
func (s *streamSink) Header() http.Header { return s.header }

// WriteHeader intercepts the proxy's status write. A success switches the
// real response into SSE mode; anything else buffers the proxy's JSON
// error body for translation in finish.
func (s *streamSink) WriteHeader(status int) {
	if s.status != 0 {
		return
	}
	s.status = status
	if status != http.StatusOK {
		s.errMode = true
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

func (s *streamSink) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	if s.errMode {
		return s.errBody.Write(b)
	}

	s.lineBuf = append(s.lineBuf, b...)
	for {
		i := bytes.IndexByte(s.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.lineBuf[:i]), "\r")
		s.lineBuf = s.lineBuf[i+1:]
		s.handleLine(line)
	}
	return len(b), nil
}

// Flush is absorbed: the sink flushes after each emitted frame instead.
func (s *streamSink) Flush() {}

func (s *streamSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// handleLine consumes one SSE line from the upstream stream.
func (s *streamSink) handleLine(line string) {
	if line == "" {
		return
	}
	if rest, ok := strings.CutPrefix(line, "event:"); ok {
		s.curEvent = strings.TrimSpace(rest)
		return
	}
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	data := strings.TrimSpace(rest)

	event := s.curEvent
	if event == "" {
		event = gjson.Get(data, "type").String()
	}
	s.handleEvent(event, data)
}

// handleEvent translates one Anthropic stream event into zero or one
// OpenAI chunks.
func (s *streamSink) handleEvent(event, data string) {
	switch event {
	case "message_start":
		if m := gjson.Get(data, "message.model").String(); m != "" {
			s.model = m
		}
		empty := ""
		s.emit(ChatChoice{Index: 0, Delta: &StreamDelta{Role: "assistant", Content: &empty}})

	case "content_block_delta":
		if text := gjson.Get(data, "delta.text"); text.Exists() {
			t := text.String()
			s.emit(ChatChoice{Index: 0, Delta: &StreamDelta{Content: &t}})
		}

	case "message_delta":
		if stop := gjson.Get(data, "delta.stop_reason"); stop.Exists() && stop.String() != "" {
			finish := mapFinishReason(stop.String())
			s.emit(ChatChoice{Index: 0, Delta: &StreamDelta{}, FinishReason: &finish})
		}

	case "message_stop":
		finish := "stop"
		s.emit(ChatChoice{Index: 0, Delta: &StreamDelta{}, FinishReason: &finish})

	case "error":
		// Upstream error mid-stream: re-emit once as an OpenAI error chunk.
		s.emitError(gjson.Get(data, "error.message").String(),
			gjson.Get(data, "error.type").String())

	default:
		// ping, content_block_start, content_block_stop: nothing to emit.
	}
}

// emit writes one chat.completion.chunk frame and flushes it out.
func (s *streamSink) emit(choice ChatChoice) {
	chunk := ChatResponse{
		ID:      s.chunkID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChatChoice{choice},
	}
	payload, err := sonic.Marshal(chunk)
	if err != nil {
		return
	}
	s.w.Write(sseDataPrefix)
	s.w.Write(payload)
	s.w.Write(sseNewline)
	s.flush()
}

func (s *streamSink) emitError(message, errType string) {
	if message == "" {
		message = "upstream stream error"
	}
	if errType == "" {
		errType = "api_error"
	}
	payload, err := sonic.Marshal(ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}})
	if err != nil {
		return
	}
	s.w.Write(sseDataPrefix)
	s.w.Write(payload)
	s.w.Write(sseNewline)
	s.flush()
}

// finish terminates the translated response: error mode renders the
// proxy's JSON error in OpenAI shape; stream mode emits the [DONE]
// sentinel.
func (s *streamSink) finish() {
	if s.errMode {
		writeTranslatedError(s.w, s.status, s.errBody.Bytes())
		return
	}
	if s.status == 0 {
		// The proxy wrote nothing at all; treat as an internal failure.
		writeOpenAIError(s.w, http.StatusInternalServerError,
			ErrorDetail{Message: "empty upstream response", Type: "api_error"})
		return
	}
	s.w.Write(sseDone)
	s.flush()
}

// bufferSink collects the proxy's entire response for non-streaming
// translation after the exchange completes.
type bufferSink struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferSink() *bufferSink {
	return &bufferSink{header: make(http.Header)}
}

func (s *bufferSink) Header() http.Header { return s.header }

func (s *bufferSink) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
}

func (s *bufferSink) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.body.Write(b)
}

func (s *bufferSink) Flush() {}

// finish renders the buffered Anthropic response as an OpenAI
// chat.completion, or maps the error through.
func (s *bufferSink) finish(w http.ResponseWriter, model string) {
	if s.status != http.StatusOK {
		writeTranslatedError(w, s.status, s.body.Bytes())
		return
	}
	payload, err := translateResponse(s.body.Bytes(), model)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError,
			ErrorDetail{Message: "failed to translate upstream response", Type: "api_error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// writeTranslatedError maps the Anthropic-surface error envelope
// ({error:{type,message,...},requestId}) to the OpenAI error shape,
// preserving the HTTP status.
func writeTranslatedError(w http.ResponseWriter, status int, body []byte) {
	detail := ErrorDetail{
		Message: gjson.GetBytes(body, "error.message").String(),
		Type:    openAIErrorType(status),
		Code:    gjson.GetBytes(body, "error.type").String(),
	}
	if detail.Message == "" {
		detail.Message = http.StatusText(status)
	}
	if status == 0 {
		status = http.StatusBadGateway
	}
	writeOpenAIError(w, status, detail)
}

func writeOpenAIError(w http.ResponseWriter, status int, detail ErrorDetail) {
	payload, err := sonic.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// openAIErrorType maps an HTTP status to the OpenAI error type family.
func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
