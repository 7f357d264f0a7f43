// Package testutil provides test doubles shared across packages.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Upstream is a scriptable OpenAI-compatible fake provider. It answers
// JSON requests with Response and streaming chat requests with one SSE
// chunk per entry in Deltas, terminated by [DONE].
type Upstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	status   int
	response map[string]any
	deltas   []string
	bodies   []map[string]any
	headers  []http.Header
}

// NewUpstream starts a fake upstream that shuts down with the test.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()
	u := &Upstream{
		status: http.StatusOK,
		response: map[string]any{
			"id":     "chatcmpl-fake-1",
			"object": "chat.completion",
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": "hello there"}},
			},
			"usage": map[string]any{"prompt_tokens": float64(7), "completion_tokens": float64(3)},
		},
		deltas: []string{"Hel", "lo", "!"},
	}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

// URL returns the upstream base URL.
func (u *Upstream) URL() string { return u.srv.URL }

// SetResponse scripts the next sync responses.
func (u *Upstream) SetResponse(status int, body map[string]any) {
	u.mu.Lock()
	u.status = status
	u.response = body
	u.mu.Unlock()
}

// SetDeltas scripts the streamed content chunks.
func (u *Upstream) SetDeltas(deltas ...string) {
	u.mu.Lock()
	u.deltas = deltas
	u.mu.Unlock()
}

// Requests reports how many calls the upstream served.
func (u *Upstream) Requests() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.bodies)
}

// LastBody returns the most recently received JSON body, or nil.
func (u *Upstream) LastBody() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.bodies) == 0 {
		return nil
	}
	return u.bodies[len(u.bodies)-1]
}

// LastHeader returns a header value from the most recent request.
func (u *Upstream) LastHeader(name string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.headers) == 0 {
		return ""
	}
	return u.headers[len(u.headers)-1].Get(name)
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	json.Unmarshal(raw, &body)

	u.mu.Lock()
	u.bodies = append(u.bodies, body)
	u.headers = append(u.headers, r.Header.Clone())
	status := u.status
	response := u.response
	deltas := u.deltas
	u.mu.Unlock()

	if stream, _ := body["stream"].(bool); stream {
		u.streamResponse(w, deltas)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func (u *Upstream) streamResponse(w http.ResponseWriter, deltas []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, d := range deltas {
		fmt.Fprintf(w, `data: {"id":"chatcmpl-fake-1","object":"chat.completion.chunk","choices":[{"delta":{"content":%q}}]}`+"\n\n", d)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
