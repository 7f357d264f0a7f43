package provider

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/nmorel/bastion/internal"
)

// parseUpstreamError reads up to 4KB of a non-2xx upstream body and
// unwraps a {detail: ...} or {message: ...} envelope when present.
func parseUpstreamError(resp *http.Response) *gateway.UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := string(body)
	if d := gjson.GetBytes(body, "detail"); d.Exists() {
		detail = d.String()
	} else if m := gjson.GetBytes(body, "message"); m.Exists() {
		detail = m.String()
	} else if m := gjson.GetBytes(body, "error.message"); m.Exists() {
		detail = m.String()
	}
	return &gateway.UpstreamError{Status: resp.StatusCode, Detail: detail}
}
