// Package amsclient talks to the ams-gw HTTP API and implements ams.Client.
package amsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"attachd/pkg/ams"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 512

// DefaultView is requested when a reference carries no type tag.
const DefaultView = "original"

// StatusError reports a non-2xx response from the gateway or a content URL.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client implements ams.Client against an ams-gw base URL.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ ams.Client = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each request. Non-positive values keep the current
// timeout. A client supplied through WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// New returns a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("gateway url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}

	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createObjectRequest struct {
	Type        string               `json:"type"`
	Name        string               `json:"name"`
	ContentType string               `json:"content_type"`
	Permissions *ams.PermissionsSpec `json:"permissions,omitempty"`
}

// FetchBlob reads the bytes behind contentURL. http(s) URLs are fetched and
// file:// URLs are read from the local filesystem.
func (c *Client) FetchBlob(ctx context.Context, contentURL string) ([]byte, error) {
	u, err := url.Parse(contentURL)
	if err != nil {
		return nil, fmt.Errorf("parse content url: %w", err)
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	case "http", "https":
		return c.get(ctx, u.String())
	default:
		return nil, fmt.Errorf("unsupported content url scheme %q", u.Scheme)
	}
}

// CreateObject registers a new object for the caller's session.
func (c *Client) CreateObject(ctx context.Context, sessionToken string, obj ams.FileObject) (ams.ObjectHandle, error) {
	body, err := json.Marshal(createObjectRequest{
		Type:        ams.TypeTag(obj.ContentType),
		Name:        obj.Name,
		ContentType: obj.ContentType,
		Permissions: obj.Permissions,
	})
	if err != nil {
		return ams.ObjectHandle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("v1", "objects"), bytes.NewReader(body))
	if err != nil {
		return ams.ObjectHandle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	var handle ams.ObjectHandle
	if err := c.doJSON(req, &handle); err != nil {
		return ams.ObjectHandle{}, err
	}
	return handle, nil
}

// UploadDocument sends obj.Data as the content of object id.
func (c *Client) UploadDocument(ctx context.Context, id string, obj ams.FileObject) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("v1", "objects", id, "content"), bytes.NewReader(obj.Data))
	if err != nil {
		return err
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(obj.Data))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetViewStatus asks the gateway where view of the referenced object can be read.
func (c *Client) GetViewStatus(ctx context.Context, view ams.ViewRef) (ams.ViewStatus, error) {
	viewType := view.Type
	if viewType == "" {
		viewType = DefaultView
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("v1", "objects", view.ID, "views", viewType, "status"), nil)
	if err != nil {
		return ams.ViewStatus{}, err
	}
	req.Header.Set("Accept", "application/json")

	var status ams.ViewStatus
	if err := c.doJSON(req, &status); err != nil {
		return ams.ViewStatus{}, err
	}
	return status, nil
}

// GetView downloads the bytes at location. Relative locations resolve
// against the gateway base URL.
func (c *Client) GetView(ctx context.Context, view ams.ViewRef, location string) ([]byte, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse view location for %s: %w", view.ID, err)
	}
	return c.get(ctx, c.base.ResolveReference(loc).String())
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.JoinPath(escaped...).String()
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.Redacted(),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
