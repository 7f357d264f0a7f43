package gateway

// FilePart is one uploaded file in a multipart request.
type FilePart struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// RequestContent is the mutable carcass of an outbound provider call.
// Dialect adapters rewrite Body/Form/Files in place before forwarding.
type RequestContent struct {
	Method     string
	Endpoint   Endpoint
	Model      string         // target model name as requested by the caller
	Body       map[string]any // JSON body; nil for pure multipart requests
	Form       map[string]string
	Files      []FilePart
	Additional map[string]any // echoed back on the response body
	ID         string
	TopN       int // rerank result cap, captured before dialects strip it
}

// Clone returns a shallow copy with an independent Body map so adapters
// can rewrite keys without mutating the caller's view.
func (rc *RequestContent) Clone() *RequestContent {
	out := *rc
	if rc.Body != nil {
		out.Body = make(map[string]any, len(rc.Body))
		for k, v := range rc.Body {
			out.Body[k] = v
		}
	}
	return &out
}
