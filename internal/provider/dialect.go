package provider

import (
	"encoding/base64"
	"fmt"

	gateway "github.com/nmorel/bastion/internal"
)

// Dialect rewrites requests and responses between the OpenAI-compatible
// surface and a provider family's wire format.
type Dialect interface {
	// AdaptRequest mutates rc in place for the upstream.
	AdaptRequest(p *gateway.Provider, rc *gateway.RequestContent) error
	// AdaptResponse normalizes a decoded upstream body to the unified shape.
	AdaptResponse(p *gateway.Provider, rc *gateway.RequestContent, body map[string]any) (map[string]any, error)
}

var dialects = map[string]Dialect{
	"openai":  passthroughDialect{},
	"vllm":    passthroughDialect{},
	"albert":  passthroughDialect{},
	"mistral": mistralDialect{},
	"tei":     teiDialect{},
}

// DialectFor returns the adapter for a provider type tag.
func DialectFor(typ string) (Dialect, error) {
	d, ok := dialects[typ]
	if !ok {
		return nil, fmt.Errorf("no dialect for provider type %q: %w", typ, gateway.ErrRequestFormat)
	}
	return d, nil
}

// --- openai / vllm / albert ---

// passthroughDialect forwards the body as-is, retargeting the model name.
type passthroughDialect struct{}

func (passthroughDialect) AdaptRequest(p *gateway.Provider, rc *gateway.RequestContent) error {
	if rc.Body != nil {
		rc.Body["model"] = p.ModelName
	}
	if rc.Form != nil {
		rc.Form["model"] = p.ModelName
	}
	return nil
}

func (passthroughDialect) AdaptResponse(_ *gateway.Provider, _ *gateway.RequestContent, body map[string]any) (map[string]any, error) {
	return body, nil
}

// --- mistral ---

// mistralChatKeys is the request schema accepted by the Mistral chat API.
// Anything else is dropped before forwarding.
var mistralChatKeys = map[string]bool{
	"model": true, "messages": true, "temperature": true, "top_p": true,
	"max_tokens": true, "stream": true, "stop": true, "random_seed": true,
	"response_format": true, "tools": true, "tool_choice": true,
	"presence_penalty": true, "frequency_penalty": true, "n": true,
	"prediction": true, "parallel_tool_calls": true, "safe_prompt": true,
}

type mistralDialect struct{}

func (d mistralDialect) AdaptRequest(p *gateway.Provider, rc *gateway.RequestContent) error {
	switch rc.Endpoint {
	case gateway.EndpointChatCompletions, gateway.EndpointCompletions:
		d.adaptChat(p, rc)
	case gateway.EndpointAudioTranscriptions:
		if err := d.adaptAudio(p, rc); err != nil {
			return err
		}
	default:
		if rc.Body != nil {
			rc.Body["model"] = p.ModelName
		}
		if rc.Form != nil {
			rc.Form["model"] = p.ModelName
		}
	}
	return nil
}

func (mistralDialect) adaptChat(p *gateway.Provider, rc *gateway.RequestContent) {
	body := rc.Body
	if body == nil {
		return
	}
	body["model"] = p.ModelName
	setDefault(body, "frequency_penalty", 0)
	setDefault(body, "presence_penalty", 0)
	setDefault(body, "top_p", 1)
	setDefault(body, "stream", false)
	setDefault(body, "parallel_tool_calls", false)
	setDefault(body, "response_format", map[string]any{"type": "text"})
	if v, ok := body["stop"]; ok && v == nil {
		delete(body, "stop")
	}
	if seed, ok := body["seed"]; ok {
		body["random_seed"] = seed
		delete(body, "seed")
	}
	for k := range body {
		if !mistralChatKeys[k] {
			delete(body, k)
		}
	}
}

// adaptAudio wraps the uploaded audio file and optional text prompt into
// a chat request; the Mistral voice models take audio inline as base64.
func (d mistralDialect) adaptAudio(p *gateway.Provider, rc *gateway.RequestContent) error {
	if len(rc.Files) == 0 {
		return fmt.Errorf("audio transcription without a file: %w", gateway.ErrRequestFormat)
	}
	file := rc.Files[0]
	content := []any{
		map[string]any{
			"type":        "input_audio",
			"input_audio": base64.StdEncoding.EncodeToString(file.Data),
		},
	}
	if prompt := rc.Form["prompt"]; prompt != "" {
		content = append(content, map[string]any{"type": "text", "text": prompt})
	}
	rc.Body = map[string]any{
		"model": p.ModelName,
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
	}
	rc.Files = nil
	rc.Form = nil
	return nil
}

func (mistralDialect) AdaptResponse(p *gateway.Provider, rc *gateway.RequestContent, body map[string]any) (map[string]any, error) {
	if rc.Endpoint != gateway.EndpointAudioTranscriptions {
		return body, nil
	}
	// The voice chat response becomes a transcription object.
	text := ""
	if choices, ok := body["choices"].([]any); ok && len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			if msg, ok := c["message"].(map[string]any); ok {
				text, _ = msg["content"].(string)
			}
		}
	}
	out := map[string]any{
		"id":    body["id"],
		"text":  text,
		"model": rc.Model,
	}
	if u, ok := body["usage"]; ok {
		out["usage"] = u
	}
	return out, nil
}

// --- tei ---

// rawArrayKey wraps upstreams that answer with a bare JSON array (TEI
// rerank) so the decoded body is always a map.
const rawArrayKey = "_raw"

type teiDialect struct{}

func (teiDialect) AdaptRequest(p *gateway.Provider, rc *gateway.RequestContent) error {
	if rc.Body == nil {
		return nil
	}
	if rc.Endpoint == gateway.EndpointRerank {
		if docs, ok := rc.Body["documents"]; ok {
			rc.Body["texts"] = docs
			delete(rc.Body, "documents")
		}
		// TEI rejects top_n; remember it and truncate the response instead.
		if n, ok := intValue(rc.Body["top_n"]); ok {
			rc.TopN = n
			delete(rc.Body, "top_n")
		}
		rc.Body["raw_scores"] = false
		rc.Body["return_text"] = false
		rc.Body["truncate"] = false
		rc.Body["truncation_direction"] = "right"
		delete(rc.Body, "model")
		return nil
	}
	rc.Body["model"] = p.ModelName
	return nil
}

// AdaptResponse lifts TEI's bare rerank array into the unified shape.
func (teiDialect) AdaptResponse(_ *gateway.Provider, rc *gateway.RequestContent, body map[string]any) (map[string]any, error) {
	if rc.Endpoint != gateway.EndpointRerank {
		return body, nil
	}
	results, ok := body[rawArrayKey]
	if !ok {
		return body, nil
	}
	if list, ok := results.([]any); ok && rc.TopN > 0 && rc.TopN < len(list) {
		results = list[:rc.TopN]
	}
	return map[string]any{
		"object": "rerank",
		"model":  rc.Model,
		"data":   results,
	}, nil
}

// intValue coerces a decoded JSON number (or int) to an int.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
