package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds a reply; inline PDFs arrive base64 encoded.
const maxResponseBytes = 32 << 20

// HTTPBackend posts the request as JSON to a hosted inference endpoint.
type HTTPBackend struct {
	url    string
	token  string
	client *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend returns a backend for url. A non-empty token is sent as
// a Bearer credential. Timeouts come from the caller's context.
func NewHTTPBackend(url, token string) *HTTPBackend {
	return &HTTPBackend{url: url, token: token, client: &http.Client{}}
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}
