package proxy

import (
	"strings"

	"github.com/tidwall/gjson"

	gate "github.com/ccgate/ccgate/internal"
)

// ExtractUsage pulls token counters out of a complete upstream response
// body. Plain JSON documents are read directly from their usage object;
// SSE bodies are walked event-by-event, where message_start carries the
// initial counters and a later message_delta overrides them (the delta
// holds the cumulative output-token count). Returns nil when the body
// yields no usage at all; the caller records zeros.
func ExtractUsage(body []byte) *gate.TokenUsage {
	if len(body) == 0 {
		return nil
	}

	if gjson.ValidBytes(body) {
		if u := gjson.GetBytes(body, "usage"); u.Exists() {
			usage := usageFromResult(u)
			return &usage
		}
		return nil
	}

	return extractFromSSE(body)
}

// extractFromSSE walks event/data line pairs. The last non-empty usage
// wins: message_start seeds input counters, message_delta updates output.
func extractFromSSE(body []byte) *gate.TokenUsage {
	var found bool
	var usage gate.TokenUsage

	currentEvent := ""
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "event:"); ok {
			currentEvent = strings.TrimSpace(rest)
			continue
		}
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data := strings.TrimSpace(rest)

		switch currentEvent {
		case "message_start":
			u := gjson.Get(data, "message.usage")
			if u.Exists() {
				merge(&usage, u)
				found = true
			}
		case "message_delta":
			u := gjson.Get(data, "usage")
			if u.Exists() {
				merge(&usage, u)
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return &usage
}

// merge overlays the counters present in u onto dst, leaving absent
// fields untouched so a message_delta without input_tokens keeps the
// message_start value.
func merge(dst *gate.TokenUsage, u gjson.Result) {
	if v := u.Get("input_tokens"); v.Exists() {
		dst.InputTokens = v.Int()
	}
	if v := u.Get("output_tokens"); v.Exists() {
		dst.OutputTokens = v.Int()
	}
	if v := u.Get("cache_creation_input_tokens"); v.Exists() {
		dst.CacheCreationTokens = v.Int()
	}
	if v := u.Get("cache_read_input_tokens"); v.Exists() {
		dst.CacheReadTokens = v.Int()
	}
}

func usageFromResult(u gjson.Result) gate.TokenUsage {
	return gate.TokenUsage{
		InputTokens:         u.Get("input_tokens").Int(),
		OutputTokens:        u.Get("output_tokens").Int(),
		CacheCreationTokens: u.Get("cache_creation_input_tokens").Int(),
		CacheReadTokens:     u.Get("cache_read_input_tokens").Int(),
	}
}
