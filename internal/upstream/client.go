// Package upstream is the HTTP client to the Home Assistant-style REST
// backend: request building with auth-header injection, streaming proxy
// with content-encoding decode, bounded redirect following, and the
// plain-text command POST used by switches and dimmers.
package upstream

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Response is the result of a buffered request.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Client issues requests to a single HA backend, injecting whichever auth
// header was configured (bearer token takes precedence over basic auth).
type Client struct {
	baseURL        string
	token          string
	basicUser      string
	basicPass      string
	httpClient     *http.Client
	longPollClient *http.Client
	maxRedirects   int
}

// NewClient builds a Client. baseURL must not have a trailing slash.
// longPollTimeout governs only LongPollGet, which blocks on the backend for
// far longer than an ordinary request (spec default 120s vs. 15s).
func NewClient(baseURL, token, basicUser, basicPass string, timeout, longPollTimeout time.Duration, maxRedirects int) *Client {
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		basicUser:    basicUser,
		basicPass:    basicPass,
		maxRedirects: maxRedirects,
		httpClient: &http.Client{
			Timeout:       timeout,
			CheckRedirect: checkRedirect,
		},
		longPollClient: &http.Client{
			Timeout:       longPollTimeout,
			CheckRedirect: checkRedirect,
		},
	}
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// RelativePath strips this client's base URL from a backend-returned
// absolute link (e.g. a sitemap widget's linkedPage.link), so it can be
// re-issued through Get. A link that isn't under the base URL, or that's
// already a bare path, is returned unchanged.
func (c *Client) RelativePath(link string) string {
	if strings.HasPrefix(link, c.baseURL) {
		return strings.TrimPrefix(link, c.baseURL)
	}
	return link
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
}

// Get issues a buffered GET against path and decodes a compressed body if
// the backend sent one, returning the decoded bytes.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: decoding response from %s: %w", path, err)
	}

	return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

// FetchSitemapPage adapts Get to deltacache.PageFetcher: the canonical URL
// already carries its own query string, so path is passed through as-is.
func (c *Client) FetchSitemapPage(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("upstream: sitemap page %s returned status %d", path, resp.Status)
	}
	return resp.Body, nil
}

// MemberStates adapts Get to state.GroupFetcher: it fetches
// /rest/items/<groupName> and returns the state of each of its members,
// used to recompute a group-aggregate OPEN count.
func (c *Client) MemberStates(groupName string) ([]string, error) {
	resp, err := c.Get(context.Background(), fmt.Sprintf("/rest/items/%s", groupName))
	if err != nil {
		return nil, fmt.Errorf("upstream: fetching group %s: %w", groupName, err)
	}
	if resp.Status >= 400 {
		return nil, fmt.Errorf("upstream: group %s returned status %d", groupName, resp.Status)
	}

	var group struct {
		Members []struct {
			State string `json:"state"`
		} `json:"members"`
	}
	if err := json.Unmarshal(resp.Body, &group); err != nil {
		return nil, fmt.Errorf("upstream: decoding group %s: %w", groupName, err)
	}

	states := make([]string, len(group.Members))
	for i, m := range group.Members {
		states[i] = m.State
	}
	return states, nil
}

// Stream issues a GET against path and copies the (still-encoded) response
// directly to w, propagating only the Content-Type header. Used for binary
// asset passthrough (icons, maps) where re-encoding would be wasteful.
func (c *Client) Stream(ctx context.Context, path string, w io.Writer) (status int, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return 0, "", fmt.Errorf("upstream: building request: %w", err)
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("upstream: streaming request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return resp.StatusCode, resp.Header.Get("Content-Type"), fmt.Errorf("upstream: streaming body from %s: %w", path, err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), nil
}

// SendCommand POSTs a plain-text command body to /rest/items/<name>, the
// convention the backend uses for switch/dimmer/rollershutter commands.
func (c *Client) SendCommand(ctx context.Context, itemName, command string) (*Response, error) {
	target := c.url("/rest/items/" + url.PathEscape(itemName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(command))
	if err != nil {
		return nil, fmt.Errorf("upstream: building command request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: sending command to %s: %w", itemName, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

// LongPollGet issues a GET through the long-poll client, whose timeout is
// the configured long-poll deadline (far longer than an ordinary request's,
// since the backend intentionally blocks the connection open for that long
// waiting on a change). trackingID, when non-empty, is echoed to the
// backend for continuity with its long-poll semantics.
func (c *Client) LongPollGet(ctx context.Context, path, trackingID string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: building long-poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if trackingID != "" {
		req.Header.Set("X-Atmosphere-tracking-id", trackingID)
	}
	c.applyAuth(req)

	resp, err := c.longPollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: long-poll request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: decoding long-poll response from %s: %w", path, err)
	}

	return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

// StreamLines issues a long-lived GET against path through a client with
// no timeout, so the stream ends only when the caller's context is done or
// the backend closes it, and invokes onLine for every line of the response
// body as it arrives, for upstream event streams where each event is its
// own line.
func (c *Client) StreamLines(ctx context.Context, path string, onLine func(line string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("upstream: building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.applyAuth(req)

	streamClient := &http.Client{CheckRedirect: c.httpClient.CheckRedirect}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: streaming request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	return scanner.Err()
}

func decodeBody(encoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case "deflate":
		fr := flate.NewReader(r)
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		return io.ReadAll(brotli.NewReader(r))
	default:
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
