// Package transport implements the core.Transport collaborator. HTTP is the
// production implementation; Mock is a scriptable in-memory stand-in for
// tests and examples.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/telemetrymesh/core"
)

// HTTP performs requests against a fixed base URL using net/http. Transport
// level failures (DNS, refused connections, timeouts) are wrapped with
// core.ErrTransient so callers can classify them with errors.Is.
type HTTP struct {
	client  *http.Client
	baseURL string
}

// NewHTTP creates a transport for the given base URL with a per-request
// timeout.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return NewHTTPWithClient(baseURL, &http.Client{Timeout: timeout})
}

// NewHTTPWithClient creates a transport using the supplied client, for hosts
// that need custom TLS or proxy settings.
func NewHTTPWithClient(baseURL string, client *http.Client) *HTTP {
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Do implements core.Transport.
func (t *HTTP) Do(ctx context.Context, req core.Request) (*core.Response, error) {
	url := t.baseURL + req.Path
	if len(req.Query) > 0 {
		url += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", core.ErrTransient, err)
	}

	return &core.Response{StatusCode: resp.StatusCode, Body: body}, nil
}
