package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway talks to a remote content-addressed store over HTTP:
// POST / with the raw bytes returns {"cid": ...}, GET /<cid> returns the
// bytes, DELETE /<cid> removes them.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Put(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("put blob: gateway status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var out struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("put blob: decode response: %v: %w", err, ErrUnavailable)
	}
	if out.CID == "" {
		return "", fmt.Errorf("put blob: gateway returned empty cid: %w", ErrUnavailable)
	}
	return out.CID, nil
}

func (g *HTTPGateway) Get(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/"+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %w", cid, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %v: %w", cid, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("get blob %q: gateway status %d: %w", cid, resp.StatusCode, ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %v: %w", cid, err, ErrUnavailable)
	}
	return data, nil
}

func (g *HTTPGateway) Delete(ctx context.Context, cid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/"+cid, nil)
	if err != nil {
		return fmt.Errorf("delete blob %q: %w", cid, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete blob %q: %v: %w", cid, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("delete blob %q: gateway status %d: %w", cid, resp.StatusCode, ErrUnavailable)
	}
	return nil
}

func (g *HTTPGateway) PublicURL(cid string) string {
	return g.baseURL + "/" + cid
}
