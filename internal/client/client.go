// Package client holds the HTTP collaborators the lifecycle service calls
// after its own transactions commit: the room service (membership and
// open/close), the bot service (synthetic participant injection) and the
// stats service (post-match ingestion).  All notification calls are fire and
// forget: failures are logged and returned, never rolled back into seat or
// match state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// base wraps the shared request plumbing for all collaborators.
type base struct {
	url  string
	http *http.Client
}

func newBase(url string) base {
	return base{url: url, http: &http.Client{Timeout: 5 * time.Second}}
}

// postJSON sends body to path and decodes the response into out when out is
// non-nil.  Non-2xx statuses are errors.
func (b base) postJSON(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

// getJSON fetches path and decodes the response into out.
func (b base) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b base) do(req *http.Request, out any) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
