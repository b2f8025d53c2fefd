package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// extraTransport decorates outgoing provider requests with static headers
// and, when the request context carries one, an extra JSON object merged into
// the request body. OpenAI-compatible vendors hang routing hints off
// non-standard top-level body fields (xAI's search_parameters, OpenRouter's
// provider block), which the shared SDK cannot express directly.
type extraTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

type extraBodyKey struct{}

// withExtraBody attaches top-level JSON fields to be merged into the next
// outgoing request body on this context.
func withExtraBody(ctx context.Context, fields map[string]any) context.Context {
	return context.WithValue(ctx, extraBodyKey{}, fields)
}

func (t *extraTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	fields, _ := req.Context().Value(extraBodyKey{}).(map[string]any)
	if len(fields) > 0 && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			for k, v := range fields {
				payload[k] = v
			}
			if merged, err := json.Marshal(payload); err == nil {
				body = merged
			}
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Length", "")
	}
	return base.RoundTrip(req)
}
