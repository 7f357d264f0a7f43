// Package sseutil provides SSE line reading and chunk building for the
// streaming proxy.
package sseutil

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	gateway "github.com/nmorel/bastion/internal"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine extracts the data payload of a single SSE line.
// ok is false for blank lines, comments, and non-data fields.
func ParseLine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	value, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false
	}
	return strings.TrimPrefix(value, " "), true
}

// Done is the terminal SSE payload.
const Done = "[DONE]"

// Pre-allocated framing pieces for the hot path.
var (
	DataPrefix = []byte("data: ")
	LineEnd    = []byte("\n\n")
	DoneLine   = []byte("data: [DONE]\n\n")
)

// BuildUsageChunk builds the synthetic final chunk carrying id, model,
// and usage, emitted immediately before [DONE].
func BuildUsageChunk(id, model string, u gateway.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
			"cost":              u.Cost,
			"kwh_min":           u.KWhMin,
			"kwh_max":           u.KWhMax,
			"kgco2eq_min":       u.KgCO2eqMin,
			"kgco2eq_max":       u.KgCO2eqMax,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildErrorChunk builds a single-chunk error payload for a failed stream.
func BuildErrorChunk(status int, detail string) []byte {
	b, _ := json.Marshal(map[string]any{
		"status": status,
		"detail": detail,
	})
	return b
}
