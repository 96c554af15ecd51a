// Package caldav is a small WebDAV/CalDAV client covering the requests the
// CalDAV change source and sink need: REPORT and PROPFIND with multistatus
// parsing, and PUT, GET and DELETE of single calendar resources.
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultTimeout bounds every request made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

// Client talks to one CalDAV server with basic auth.
type Client struct {
	httpClient *http.Client
	serverURL  string
	username   string
	password   string
}

// NewClient creates a client for serverURL. A nil httpClient gets a client
// with DefaultTimeout.
func NewClient(serverURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}
	return &Client{
		httpClient: httpClient,
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		username:   username,
		password:   password,
	}
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Request describes one HTTP exchange with the server.
type Request struct {
	Method      string
	Path        string
	Depth       string
	ContentType string
	Header      http.Header
	Body        []byte
}

// Do makes an authenticated request. The caller closes the response body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.URL(r.Path), body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if r.Body != nil {
		contentType := r.ContentType
		if contentType == "" {
			contentType = "application/xml; charset=utf-8"
		}
		req.Header.Set("Content-Type", contentType)
	}
	if r.Depth != "" {
		req.Header.Set("Depth", r.Depth)
	}

	return c.httpClient.Do(req)
}

// URL resolves a server-relative path, or returns p unchanged when it is
// already absolute.
func (c *Client) URL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.serverURL + p
}

// Report sends a REPORT request and parses the multistatus reply.
func (c *Client) Report(ctx context.Context, collection, depth string, body []byte) (*Multistatus, error) {
	return c.multistatus(ctx, Request{Method: "REPORT", Path: collection, Depth: depth, Body: body})
}

// Propfind sends a PROPFIND request and parses the multistatus reply.
func (c *Client) Propfind(ctx context.Context, p, depth string, body []byte) (*Multistatus, error) {
	return c.multistatus(ctx, Request{Method: "PROPFIND", Path: p, Depth: depth, Body: body})
}

func (c *Client) multistatus(ctx context.Context, r Request) (*Multistatus, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", r.Method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, statusError(r, resp.StatusCode, data)
	}

	ms, err := ParseMultistatus(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", r.Method, err)
	}
	return ms, nil
}

// Put stores a calendar resource. header may carry If-Match or
// If-None-Match preconditions.
func (c *Client) Put(ctx context.Context, p string, data []byte, header http.Header) error {
	r := Request{
		Method:      http.MethodPut,
		Path:        p,
		ContentType: "text/calendar; charset=utf-8",
		Header:      header,
		Body:        data,
	}
	return c.expect(ctx, r, http.StatusCreated, http.StatusNoContent, http.StatusOK)
}

// Delete removes a resource. A resource that is already gone is not an
// error.
func (c *Client) Delete(ctx context.Context, p string) error {
	return c.expect(ctx, Request{Method: http.MethodDelete, Path: p},
		http.StatusNoContent, http.StatusOK, http.StatusNotFound)
}

// Get fetches a resource body.
func (c *Client) Get(ctx context.Context, p string) ([]byte, error) {
	r := Request{Method: http.MethodGet, Path: p}
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to send GET: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(r, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) expect(ctx context.Context, r Request, codes ...int) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", r.Method, err)
	}
	defer resp.Body.Close()

	for _, code := range codes {
		if resp.StatusCode == code {
			return nil
		}
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError(r, resp.StatusCode, data)
}

func statusError(r Request, code int, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &StatusError{Method: r.Method, Path: r.Path, StatusCode: code, Body: msg}
}

// CollectionPath normalizes a collection path to start and end with "/".
func CollectionPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ResourcePath joins a collection path and a resource name.
func ResourcePath(collection, name string) string {
	return CollectionPath(collection) + url.PathEscape(name)
}

// HrefPath reduces an href, absolute or relative, to its decoded path so
// hrefs from different responses compare equal.
func HrefPath(href string) string {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if href == "" {
		return ""
	}
	return path.Clean(href)
}
