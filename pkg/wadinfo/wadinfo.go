// Package wadinfo is the HTTP client for the downstream catalog service.
// All writes are idempotent by file hash and map name.
package wadinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ImageRef is one rendered image in a catalog payload. Type "pano" marks
// panorama images.
type ImageRef struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Client talks to the catalog.
type Client struct {
	base string
	http *http.Client
}

// New builds a client with a bounded timeout and traced transport.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// GetWad fetches the stored record for a catalog wad id.
func (c *Client) GetWad(ctx context.Context, wadID string) (map[string]any, error) {
	u := fmt.Sprintf("%s/wad/%s", c.base, url.PathEscape(wadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get wad %s: %w", wadID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get wad", resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode wad %s: %w", wadID, err)
	}
	return out, nil
}

// PutRecord uploads a merged metadata record under the file hash.
func (c *Client) PutRecord(ctx context.Context, sha1 string, record any) error {
	u := fmt.Sprintf("%s/wad/%s", c.base, url.PathEscape(sha1))
	return c.putJSON(ctx, "put record", u, record)
}

// PutMapImages uploads the image URL list for one map of a wad.
func (c *Client) PutMapImages(ctx context.Context, wadID, mapName string, images []ImageRef) error {
	u := fmt.Sprintf("%s/wad/%s/maps/%s/images",
		c.base, url.PathEscape(wadID), url.PathEscape(mapName))
	return c.putJSON(ctx, "put map images", u, images)
}

func (c *Client) putJSON(ctx context.Context, op, u string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
}
