package sseutil

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/nmorel/bastion/internal"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line     string
		wantData string
		wantOK   bool
	}{
		{`data: {"id":"x"}`, `{"id":"x"}`, true},
		{`data:{"id":"x"}`, `{"id":"x"}`, true},
		{"data: [DONE]", "[DONE]", true},
		{"", "", false},
		{": keepalive", "", false},
		{"event: message", "", false},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		data, ok := ParseLine(tt.line)
		if data != tt.wantData || ok != tt.wantOK {
			t.Errorf("ParseLine(%q) = (%q, %v), want (%q, %v)",
				tt.line, data, ok, tt.wantData, tt.wantOK)
		}
	}
}

func TestScannerLongLine(t *testing.T) {
	t.Parallel()

	long := "data: " + strings.Repeat("a", 32*1024)
	s := NewScanner(strings.NewReader(long + "\n"))
	if !s.Scan() {
		t.Fatalf("Scan failed: %v", s.Err())
	}
	if got := s.Text(); got != long {
		t.Errorf("line truncated to %d bytes", len(got))
	}
}

func TestBuildUsageChunk(t *testing.T) {
	t.Parallel()

	u := gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Cost: 0.000125}
	b := BuildUsageChunk("chatcmpl-1", "llama-8b", u)

	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["id"] != "chatcmpl-1" || parsed["model"] != "llama-8b" {
		t.Errorf("identity fields = %v / %v", parsed["id"], parsed["model"])
	}
	if choices := parsed["choices"].([]any); len(choices) != 0 {
		t.Errorf("choices = %v, want empty", choices)
	}
	usage := parsed["usage"].(map[string]any)
	if usage["total_tokens"] != float64(15) || usage["cost"] != 0.000125 {
		t.Errorf("usage = %v", usage)
	}
}

func TestBuildErrorChunk(t *testing.T) {
	t.Parallel()

	b := BuildErrorChunk(503, "upstream overloaded")
	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["status"] != float64(503) || parsed["detail"] != "upstream overloaded" {
		t.Errorf("chunk = %v", parsed)
	}
}
