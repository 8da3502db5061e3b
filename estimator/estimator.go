// Package estimator predicts the input token count of an Anthropic
// Messages API request before it is sent upstream.
//
// The estimate does not need to match the provider's tokenizer; it must
// be deterministic, cheap (no I/O), and never catastrophically low.
// Admission control applies a safety factor below the upstream ceiling,
// and actual usage is reconciled after each call, so a ~25% error on
// English prose is acceptable.
package estimator

import (
	"encoding/json"

	"github.com/agentfleet/claudegate/upstream"
)

const (
	// charsPerToken is the character-per-token heuristic for text.
	// English averages ~4 chars/token; code ~3.5; multilingual ~2.5.
	charsPerToken = 4

	// roleOverheadTokens is added once per message for role and
	// formatting tokens.
	roleOverheadTokens = 4

	// systemOverheadTokens is added once per request when a system
	// prompt is present.
	systemOverheadTokens = 10

	// imageTokens is the fixed cost charged for an image content block.
	imageTokens = 1000
)

// EstimateText estimates tokens for a plain text string.
func EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Estimate returns the estimated input token count for a request.
//
// Per message a fixed role overhead is added, then the content is
// measured: strings via the character heuristic, content block arrays
// per block (text blocks via the heuristic, image blocks at a fixed
// cost), and anything else by measuring its JSON serialization as text.
// A system prompt adds a fixed overhead plus its measured content.
func Estimate(req *upstream.MessagesRequest) int {
	total := 0

	if len(req.System) > 0 && string(req.System) != "null" {
		total += systemOverheadTokens
		total += estimateContent(req.System)
	}

	for _, msg := range req.Messages {
		total += roleOverheadTokens
		total += estimateContent(msg.Content)
	}

	return total
}

// estimateContent measures a raw content value: string, block array, or
// arbitrary JSON.
func estimateContent(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return EstimateText(text)
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err == nil {
		total := 0
		for _, b := range blocks {
			total += estimateBlock(b)
		}
		return total
	}

	// Neither string nor array: measure the serialized form.
	return EstimateText(string(raw))
}

// estimateBlock measures one typed content block.
func estimateBlock(raw json.RawMessage) int {
	var block upstream.ContentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return EstimateText(string(raw))
	}

	switch block.Type {
	case "text":
		return EstimateText(block.Text)
	case "image":
		return imageTokens
	default:
		// Tool use, documents, and future block types are measured as
		// serialized JSON.
		return EstimateText(string(raw))
	}
}
