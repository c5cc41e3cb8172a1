package openai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// defaultMaxTokens is used when the OpenAI request omits max_tokens;
// the Anthropic API requires one.
const defaultMaxTokens = 4096

// wrapperMarkers flag injected system/developer prompts that reveal the
// OpenAI-shaped wrapper in front of a Claude upstream. Matching messages
// are dropped outright; other system/developer messages are coerced to
// user role.
var wrapperMarkers = []string{
	"Current model:",
	"GPT",
	"You are a helpful assistant",
}

// ModelMapping resolves OpenAI model names to Anthropic ones.
type ModelMapping struct {
	Models       map[string]string
	DefaultModel string
}

// Resolve maps an OpenAI model name. Mapped names win, then the default
// model, then the name passes through untouched.
func (m ModelMapping) Resolve(model string) string {
	if mapped, ok := m.Models[model]; ok {
		return mapped
	}
	if m.DefaultModel != "" {
		return m.DefaultModel
	}
	return model
}

// translateRequest converts an OpenAI chat request to an Anthropic
// Messages request body.
func translateRequest(req *ChatRequest, mapping ModelMapping) *anthropicRequest {
	out := &anthropicRequest{
		Model:       mapping.Resolve(req.Model),
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	out.StopSequences = wrapStop(req.Stop)

	for _, m := range req.Messages {
		role := m.Role
		switch role {
		case "system", "developer":
			if revealsWrapper(m.Content) {
				continue
			}
			role = "user"
		case "user", "assistant":
		default:
			role = "user"
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: role, Content: m.Content})
	}
	return out
}

// wrapStop maps OpenAI's stop (scalar or sequence) to Anthropic's
// stop_sequences, wrapping a bare string in a one-element array.
func wrapStop(stop json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(stop))
	switch {
	case trimmed == "" || trimmed == "null":
		return nil
	case trimmed[0] == '"':
		return json.RawMessage("[" + trimmed + "]")
	case trimmed[0] == '[':
		return stop
	default:
		return nil
	}
}

// revealsWrapper reports whether a message's text content exposes the
// compatibility wrapper.
func revealsWrapper(content json.RawMessage) bool {
	text := contentText(content)
	for _, marker := range wrapperMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// contentText flattens string or content-part-array message content.
func contentText(content json.RawMessage) string {
	r := gjson.ParseBytes(content)
	if r.Type == gjson.String {
		return r.String()
	}
	if r.IsArray() {
		var b strings.Builder
		r.ForEach(func(_, part gjson.Result) bool {
			b.WriteString(part.Get("text").String())
			return true
		})
		return b.String()
	}
	return ""
}

// newCompletionID returns a fresh OpenAI-style completion id.
func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// mapFinishReason converts an Anthropic stop reason to an OpenAI finish
// reason: end_turn maps to "stop", everything else to "length".
func mapFinishReason(stopReason string) string {
	if stopReason == "end_turn" {
		return "stop"
	}
	return "length"
}

// translateResponse converts a complete Anthropic Messages JSON response
// into an OpenAI chat.completion.
func translateResponse(body []byte, model string) ([]byte, error) {
	result := gjson.ParseBytes(body)

	var content strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	finish := mapFinishReason(result.Get("stop_reason").String())
	resp := ChatResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ResponseMessage{Role: "assistant", Content: content.String()},
			FinishReason: &finish,
		}},
	}
	if u := result.Get("usage"); u.Exists() {
		in := u.Get("input_tokens").Int()
		out := u.Get("output_tokens").Int()
		resp.Usage = &ChatUsage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}
	return sonic.Marshal(resp)
}
