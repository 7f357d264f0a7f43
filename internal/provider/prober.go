package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/nmorel/bastion/internal"
)

// ProbeProvider inspects a provider at admission time. Embedding
// providers are probed with a hello-world call to learn their vector
// size; the max context length comes from the models listing when the
// provider exposes one. Dimensions the provider does not reveal stay 0.
func (pl *Pool) ProbeProvider(ctx context.Context, p *gateway.Provider) (vectorSize, maxContextLength int, err error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if path, ok := p.Endpoints[gateway.EndpointEmbeddings]; ok {
		vectorSize, err = pl.probeEmbeddings(ctx, p, path)
		if err != nil {
			return 0, 0, err
		}
	}
	if path, ok := p.Endpoints[gateway.EndpointModels]; ok {
		maxContextLength, err = pl.probeModels(ctx, p, path)
		if err != nil {
			return 0, 0, err
		}
	}
	return vectorSize, maxContextLength, nil
}

func (pl *Pool) probeEmbeddings(ctx context.Context, p *gateway.Provider, path string) (int, error) {
	payload, _ := json.Marshal(map[string]any{
		"model": p.ModelName,
		"input": []string{"hello world"},
	})
	body, err := pl.probeCall(ctx, p, http.MethodPost, path, payload)
	if err != nil {
		return 0, fmt.Errorf("embeddings probe: %w", err)
	}
	embedding := gjson.GetBytes(body, "data.0.embedding")
	if !embedding.Exists() {
		// TEI answers with a bare array of vectors.
		embedding = gjson.GetBytes(body, "0")
	}
	if !embedding.IsArray() {
		return 0, fmt.Errorf("embeddings probe: no vector in response: %w", gateway.ErrResponseFormat)
	}
	return len(embedding.Array()), nil
}

func (pl *Pool) probeModels(ctx context.Context, p *gateway.Provider, path string) (int, error) {
	body, err := pl.probeCall(ctx, p, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("models probe: %w", err)
	}
	for _, m := range gjson.GetBytes(body, "data").Array() {
		if m.Get("id").String() != p.ModelName {
			continue
		}
		if v := m.Get("max_model_len"); v.Exists() {
			return int(v.Int()), nil
		}
		if v := m.Get("max_context_length"); v.Exists() {
			return int(v.Int()), nil
		}
	}
	return 0, nil
}

func (pl *Pool) probeCall(ctx context.Context, p *gateway.Provider, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}

	pl.mu.Lock()
	hc, ok := pl.clients[p.ID]
	if !ok {
		hc = &http.Client{Transport: newTransport(pl.resolver)}
		pl.clients[p.ID] = hc
	}
	pl.mu.Unlock()

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseUpstreamError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
