// Package transport performs single JSON requests against the registry API.
//
// It owns URL construction (base url + tenant + path + query), default
// headers, JSON encoding of request bodies, decoding of response bodies and
// the expected-status contract. Everything above it deals in decoded bodies
// and typed errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/internal/telemetry"
)

const DefaultUserAgent = "svcreg-client/v0.1.0"

// Config configures a Client. BaseURL includes the API version, e.g.
// "https://registry.example.com/v1.0/".
type Config struct {
	BaseURL   string
	Tenant    string
	Token     string
	UserAgent string // defaults to DefaultUserAgent
	// Persistent keeps connections alive between requests and negotiates
	// HTTP/2 on TLS endpoints. When false every request uses a fresh connection.
	Persistent bool
	Timeout    time.Duration // per request, 0 = no client-side timeout
	// HTTPClient overrides the client built from the fields above.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Request describes one call. ExpectedStatus 0 means any 2xx.
type Request struct {
	Op             string // metrics label, e.g. "sessions.heartbeat"
	Method         string
	Path           string
	Query          url.Values
	Header         http.Header
	Body           any
	ExpectedStatus int
}

// Response is a completed call with its body already read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
	log       *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		var err error
		hc, err = buildHTTPClient(cfg.Persistent, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	return &Client{
		baseURL:   cfg.BaseURL + cfg.Tenant,
		token:     cfg.Token,
		userAgent: ua,
		http:      hc,
		log:       logging.OrNop(cfg.Logger).Named("transport"),
	}, nil
}

func buildHTTPClient(persistent bool, timeout time.Duration) (*http.Client, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     !persistent,
	}
	if persistent {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

// BaseURL returns the tenant-scoped URL every path is appended to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends req and checks the status. A connectivity failure is returned as
// *Error, an unexpected status as *StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	op := req.Op
	if op == "" {
		op = strings.ToLower(method)
	}

	u := c.baseURL + req.Path
	if q := req.Query.Encode(); q != "" {
		u += "?" + q
	}

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, req.Path, err)
		}
	}

	hreq, err := http.NewRequestWithContext(ctx, method, u, bodyReader(payload))
	if err != nil {
		return nil, &Error{Method: method, URL: u, Err: err}
	}
	hreq.Header.Set("X-Auth-Token", c.token)
	hreq.Header.Set("User-Agent", c.userAgent)
	hreq.Header.Set("Content-Type", "application/json")
	for k, vv := range req.Header {
		hreq.Header.Del(k)
		for _, v := range vv {
			hreq.Header.Add(k, v)
		}
	}

	if ce := c.log.Check(zap.DebugLevel, "request"); ce != nil {
		ce.Write(zap.String("op", op), zap.String("curl", CurlCommand(method, u, hreq.Header, payload)))
	}

	done := telemetry.TrackRequest(op)
	resp, err := c.http.Do(hreq)
	if err != nil {
		done(0)
		return nil, &Error{Method: method, URL: u, Err: err}
	}
	defer resp.Body.Close()
	done(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Method: method, URL: u, Err: fmt.Errorf("read body: %w", err)}
	}

	if !statusOK(resp.StatusCode, req.ExpectedStatus) {
		return nil, &StatusError{
			Method:   method,
			URL:      u,
			Code:     resp.StatusCode,
			Expected: req.ExpectedStatus,
			Body:     json.RawMessage(body),
		}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			return nil, fmt.Errorf("%s %s: response body is not JSON", method, u)
		}
		out.Body = json.RawMessage(body)
	}
	return out, nil
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func statusOK(got, want int) bool {
	if want == 0 {
		return got >= 200 && got < 300
	}
	return got == want
}

// Error is a request that never produced a response: dial, TLS, timeout,
// cancellation.
type Error struct {
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is a response whose status did not match the expectation.
type StatusError struct {
	Method   string
	URL      string
	Code     int
	Expected int
	Body     json.RawMessage
}

func (e *StatusError) Error() string {
	if e.Expected != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d (want %d)", e.Method, e.URL, e.Code, e.Expected)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// IsStatus reports whether err carries a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
