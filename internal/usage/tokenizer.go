// Package usage computes per-request accounting: token estimates, cost,
// and the energy/carbon envelope.
package usage

import (
	gateway "github.com/nmorel/bastion/internal"
)

// Tokenizer estimates token counts from request and response bodies.
// Uses a character-based heuristic (~4 bytes per token for English) which
// is sufficient for rate limiting and cost bounds when the upstream does
// not report exact usage.
type Tokenizer struct{}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// PromptTokens estimates the prompt token count of a parsed request body.
// Endpoints without a text prompt (OCR, audio) report zero.
func (t *Tokenizer) PromptTokens(ep gateway.Endpoint, body map[string]any) int {
	switch ep {
	case gateway.EndpointChatCompletions:
		return t.chatPromptTokens(body)
	case gateway.EndpointCompletions:
		return max(countAny(body["prompt"]), 1)
	case gateway.EndpointEmbeddings:
		return max(countAny(body["input"]), 1)
	case gateway.EndpointRerank:
		n := countAny(body["query"])
		n += countAny(body["texts"])
		n += countAny(body["documents"])
		return max(n, 1)
	default:
		return 0
	}
}

// chatPromptTokens accounts for per-message overhead (role, formatting)
// the way GPT-family tokenizers do.
func (t *Tokenizer) chatPromptTokens(body map[string]any) int {
	messages, _ := body["messages"].([]any)
	total := 0
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		total += 4
		total += countAny(m["role"])
		total += countAny(m["content"])
		if name, ok := m["name"].(string); ok && name != "" {
			total += countText(name) + 1
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CompletionTokens estimates the completion token count of a parsed
// non-streaming response body.
func (t *Tokenizer) CompletionTokens(ep gateway.Endpoint, body map[string]any) int {
	switch ep {
	case gateway.EndpointChatCompletions, gateway.EndpointCompletions:
		choices, _ := body["choices"].([]any)
		total := 0
		for _, raw := range choices {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := c["message"].(map[string]any); ok {
				total += countAny(msg["content"])
			}
			total += countAny(c["text"])
		}
		return total
	default:
		return 0
	}
}

// CompletionTokensFromDeltas estimates tokens for a streamed response
// from the buffered non-empty delta contents.
func (t *Tokenizer) CompletionTokensFromDeltas(deltas []string) int {
	total := 0
	for _, d := range deltas {
		total += countText(d)
	}
	return total
}

// countAny walks strings, text parts, and arrays thereof.
func countAny(v any) int {
	switch x := v.(type) {
	case string:
		return countText(x)
	case []any:
		total := 0
		for _, item := range x {
			total += countAny(item)
		}
		return total
	case map[string]any:
		// Multimodal content part; only the text contributes.
		return countAny(x["text"])
	default:
		return 0
	}
}

func countText(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
