package provider

import (
	"encoding/base64"
	"testing"

	gateway "github.com/nmorel/bastion/internal"
)

func TestPassthroughSetsModel(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "vllm", ModelName: "meta-llama/Llama-3.1-8B"}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointChatCompletions,
		Model:    "llama-8b",
		Body:     map[string]any{"model": "llama-8b", "messages": []any{}},
	}
	d, err := DialectFor("vllm")
	if err != nil {
		t.Fatalf("DialectFor: %v", err)
	}
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	if rc.Body["model"] != "meta-llama/Llama-3.1-8B" {
		t.Errorf("model = %v", rc.Body["model"])
	}
}

func TestDialectForUnknown(t *testing.T) {
	t.Parallel()
	if _, err := DialectFor("smoke-signals"); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestMistralChatDefaults(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "mistral", ModelName: "mistral-small-latest"}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointChatCompletions,
		Body: map[string]any{
			"model":    "mistral-small",
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
			"seed":     float64(42),
			"stop":     nil,
			"logprobs": true, // not in the Mistral schema
		},
	}
	d, _ := DialectFor("mistral")
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}

	body := rc.Body
	if body["model"] != "mistral-small-latest" {
		t.Errorf("model = %v", body["model"])
	}
	if body["frequency_penalty"] != 0 || body["presence_penalty"] != 0 || body["top_p"] != 1 {
		t.Errorf("penalty defaults: %v / %v / %v",
			body["frequency_penalty"], body["presence_penalty"], body["top_p"])
	}
	if body["stream"] != false || body["parallel_tool_calls"] != false {
		t.Errorf("stream/parallel defaults: %v / %v", body["stream"], body["parallel_tool_calls"])
	}
	if rf, ok := body["response_format"].(map[string]any); !ok || rf["type"] != "text" {
		t.Errorf("response_format = %v", body["response_format"])
	}
	if _, ok := body["stop"]; ok {
		t.Error("null stop not dropped")
	}
	if body["random_seed"] != float64(42) {
		t.Errorf("random_seed = %v", body["random_seed"])
	}
	if _, ok := body["seed"]; ok {
		t.Error("seed not renamed")
	}
	if _, ok := body["logprobs"]; ok {
		t.Error("off-schema key not dropped")
	}
}

func TestMistralChatKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "mistral", ModelName: "mistral-small-latest"}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointChatCompletions,
		Body: map[string]any{
			"messages": []any{},
			"top_p":    0.5,
			"stream":   true,
		},
	}
	d, _ := DialectFor("mistral")
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	if rc.Body["top_p"] != 0.5 || rc.Body["stream"] != true {
		t.Errorf("explicit values overwritten: %v / %v", rc.Body["top_p"], rc.Body["stream"])
	}
}

func TestMistralAudioWrap(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "mistral", ModelName: "voxtral-small"}
	audio := []byte{0x52, 0x49, 0x46, 0x46}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointAudioTranscriptions,
		Form:     map[string]string{"prompt": "transcribe carefully"},
		Files:    []gateway.FilePart{{Field: "file", Name: "a.wav", Data: audio}},
	}
	d, _ := DialectFor("mistral")
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}

	if rc.Files != nil || rc.Form != nil {
		t.Error("multipart parts not consumed")
	}
	messages := rc.Body["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	part := content[0].(map[string]any)
	if part["type"] != "input_audio" {
		t.Errorf("first part = %v", part)
	}
	if part["input_audio"] != base64.StdEncoding.EncodeToString(audio) {
		t.Error("audio not base64-wrapped")
	}
	if textPart := content[1].(map[string]any); textPart["text"] != "transcribe carefully" {
		t.Errorf("text part = %v", textPart)
	}
}

func TestMistralAudioWithoutFile(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "mistral"}
	rc := &gateway.RequestContent{Endpoint: gateway.EndpointAudioTranscriptions}
	d, _ := DialectFor("mistral")
	if err := d.AdaptRequest(p, rc); err == nil {
		t.Fatal("expected error without a file")
	}
}

func TestMistralAudioResponse(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "mistral"}
	rc := &gateway.RequestContent{Endpoint: gateway.EndpointAudioTranscriptions, Model: "whisper-large"}
	body := map[string]any{
		"id": "chatcmpl-9",
		"choices": []any{
			map[string]any{"message": map[string]any{"content": "hello there"}},
		},
		"usage": map[string]any{"prompt_tokens": float64(50)},
	}
	d, _ := DialectFor("mistral")
	out, err := d.AdaptResponse(p, rc, body)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	if out["text"] != "hello there" || out["id"] != "chatcmpl-9" || out["model"] != "whisper-large" {
		t.Errorf("transcription = %v", out)
	}
	if _, ok := out["usage"]; !ok {
		t.Error("usage dropped")
	}
}

func TestTEIRerankRequest(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "tei", ModelName: "bge-reranker"}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointRerank,
		Body: map[string]any{
			"model":     "reranker",
			"query":     "best pizza",
			"documents": []any{"doc a", "doc b"},
		},
	}
	d, _ := DialectFor("tei")
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}

	body := rc.Body
	if _, ok := body["documents"]; ok {
		t.Error("documents not renamed to texts")
	}
	texts := body["texts"].([]any)
	if len(texts) != 2 {
		t.Errorf("texts = %v", texts)
	}
	if body["raw_scores"] != false || body["return_text"] != false ||
		body["truncate"] != false || body["truncation_direction"] != "right" {
		t.Errorf("tei flags = %v", body)
	}
	if _, ok := body["model"]; ok {
		t.Error("model not stripped for tei")
	}
}

func TestTEIRerankResponse(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "tei"}
	rc := &gateway.RequestContent{Endpoint: gateway.EndpointRerank, Model: "reranker"}
	body := map[string]any{rawArrayKey: []any{
		map[string]any{"index": float64(1), "score": 0.92},
		map[string]any{"index": float64(0), "score": 0.18},
	}}
	d, _ := DialectFor("tei")
	out, err := d.AdaptResponse(p, rc, body)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	if out["object"] != "rerank" || out["model"] != "reranker" {
		t.Errorf("rerank shape = %v", out)
	}
	if data := out["data"].([]any); len(data) != 2 {
		t.Errorf("data = %v", data)
	}
}

func TestTEIRerankTopN(t *testing.T) {
	t.Parallel()
	p := &gateway.Provider{Type: "tei", ModelName: "bge-reranker"}
	rc := &gateway.RequestContent{
		Endpoint: gateway.EndpointRerank,
		Model:    "reranker",
		Body: map[string]any{
			"query":     "best pizza",
			"documents": []any{"doc a", "doc b", "doc c"},
			"top_n":     float64(2),
		},
	}
	d, _ := DialectFor("tei")
	if err := d.AdaptRequest(p, rc); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	if _, ok := rc.Body["top_n"]; ok {
		t.Error("top_n forwarded to tei")
	}

	body := map[string]any{rawArrayKey: []any{
		map[string]any{"index": float64(2), "score": 0.95},
		map[string]any{"index": float64(0), "score": 0.61},
		map[string]any{"index": float64(1), "score": 0.07},
	}}
	out, err := d.AdaptResponse(p, rc, body)
	if err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	data := out["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("data = %v, want top 2", data)
	}
	first := data[0].(map[string]any)
	if first["score"] != 0.95 {
		t.Errorf("best result = %v", first)
	}
}
