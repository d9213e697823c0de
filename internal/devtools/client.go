// Package devtools probes the debugging protocol endpoints a compliant
// browser instance must expose.
//
// The contract is two read-only JSON endpoints on the instance port:
//
//	GET /json/version — a version descriptor for the running browser
//	GET /json/list    — the list of debuggable targets (pages)
//
// This package does not implement the debugging wire protocol itself;
// it only verifies the endpoints exist and answer with success status,
// which is what readiness and health need.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Endpoint paths of the protocol contract.
const (
	VersionPath = "/json/version"
	TargetsPath = "/json/list"
)

// probeTimeout bounds every probe request. Instances answer on
// loopback; a slow answer is indistinguishable from a hung browser for
// readiness purposes.
const probeTimeout = 2 * time.Second

// Version is the subset of the version descriptor the manager cares
// about. Unknown fields are ignored.
type Version struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Target is one debuggable page entry from the target list.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Client probes instance endpoints directly on their loopback port and
// through the generated proxy route.
type Client struct {
	// httpClient carries the probe timeout. Shared across probes; the
	// zero-value transport's connection pooling is fine for loopback.
	httpClient *http.Client
}

// NewClient creates a probe client with the default timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: probeTimeout},
	}
}

// get fetches a URL and decodes the JSON response into out (skipped
// when out is nil). Non-2xx statuses are errors: the contract requires
// success status, not merely reachability.
func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", url)
	}
	return nil
}

// VersionAt fetches the version descriptor from an arbitrary base URL.
// baseURL is scheme://host[:port][/prefix] without a trailing slash.
func (c *Client) VersionAt(ctx context.Context, baseURL string) (*Version, error) {
	var v Version
	if err := c.get(ctx, strings.TrimRight(baseURL, "/")+VersionPath, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// TargetsAt fetches the target list from an arbitrary base URL.
func (c *Client) TargetsAt(ctx context.Context, baseURL string) ([]Target, error) {
	var targets []Target
	if err := c.get(ctx, strings.TrimRight(baseURL, "/")+TargetsPath, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// baseFor returns the direct loopback base URL for an instance port.
func baseFor(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Version fetches the version descriptor directly from the instance.
func (c *Client) Version(ctx context.Context, port int) (*Version, error) {
	return c.VersionAt(ctx, baseFor(port))
}

// Targets fetches the target list directly from the instance.
func (c *Client) Targets(ctx context.Context, port int) ([]Target, error) {
	return c.TargetsAt(ctx, baseFor(port))
}

// Ready reports whether the instance on port answers its readiness
// probe: the version endpoint returning success. This is the predicate
// the supervisor polls after spawn and discovery uses when scanning.
func (c *Client) Ready(ctx context.Context, port int) bool {
	_, err := c.Version(ctx, port)
	return err == nil
}
