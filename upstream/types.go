// Package upstream implements the outbound side of the proxy: the
// Anthropic Messages API wire format, the HTTP client that speaks it,
// and the retrying caller that wraps transient failures.
package upstream

import "encoding/json"

// Message is one conversation turn in a Messages API request. Content
// is kept raw because the API accepts either a plain string or an
// ordered list of typed content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MessagesRequest is the typed view of a POST /v1/messages body. Only
// the fields the proxy inspects are declared; the original raw body is
// what gets forwarded, so unknown fields survive untouched.
type MessagesRequest struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

// ContentBlock is a typed content block inside a message. Text blocks
// carry text; image blocks carry a source object the proxy never reads.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the minimal typed view of a successful response,
// used to read back actual usage for reconciliation. The verbatim body
// is what clients receive.
type MessagesResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// ErrorEnvelope is the provider-compatible error body shape the proxy
// emits for its own rejections and for post-retry upstream failures.
type ErrorEnvelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object of an ErrorEnvelope.
type ErrorDetail struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	UsedToday  int    `json:"used_today,omitempty"`
	DailyLimit int    `json:"daily_limit,omitempty"`
}

// NewErrorEnvelope builds an envelope with the given error type and message.
func NewErrorEnvelope(errType, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}
