// Package registry wraps the service-registry REST resources: sessions,
// services, configuration, events and account.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/ryandielhenn/svcreg/pkg/transport"
)

// Doer is the slice of *transport.Client the resources depend on.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Client groups the resources, all sharing one transport.
type Client struct {
	Sessions      *Sessions
	Services      *Services
	Configuration *Configuration
	Events        *Events
	Account       *Account
}

func New(t Doer) *Client {
	return &Client{
		Sessions:      &Sessions{t: t},
		Services:      &Services{t: t},
		Configuration: &Configuration{t: t},
		Events:        &Events{t: t},
		Account:       &Account{t: t},
	}
}

// ListOptions paginate list calls.
type ListOptions struct {
	Marker string
	Limit  int
	Query  url.Values
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	for k, vv := range o.Query {
		q[k] = append([]string(nil), vv...)
	}
	if o.Marker != "" {
		q.Set("marker", o.Marker)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// ServiceExistsType is the API error type returned when a service id is taken.
const ServiceExistsType = "serviceWithThisIdExists"

// APIError is an error body returned by the registry. It wraps the
// *transport.StatusError it was decoded from.
type APIError struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`

	Err error `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry: %s (%d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("registry: %s (%d)", e.Type, e.Code)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsServiceExists reports whether err is the duplicate service id conflict.
func IsServiceExists(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Type == ServiceExistsType
}

// apiError upgrades a status error with a decodable error body to *APIError.
func apiError(err error) error {
	var se *transport.StatusError
	if !errors.As(err, &se) || len(se.Body) == 0 {
		return err
	}
	ae := &APIError{}
	if json.Unmarshal(se.Body, ae) != nil || ae.Type == "" {
		return err
	}
	if ae.Code == 0 {
		ae.Code = se.Code
	}
	ae.Err = err
	return ae
}

func do(ctx context.Context, t Doer, req transport.Request) (*transport.Response, error) {
	resp, err := t.Do(ctx, req)
	if err != nil {
		return nil, apiError(err)
	}
	return resp, nil
}

type listBody[T any] struct {
	Values   []T             `json:"values"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func list[T any](ctx context.Context, t Doer, op, p string, opts ListOptions) ([]T, error) {
	resp, err := do(ctx, t, transport.Request{
		Op:             op,
		Method:         http.MethodGet,
		Path:           p,
		Query:          opts.values(),
		ExpectedStatus: http.StatusOK,
	})
	if err != nil {
		return nil, err
	}
	var body listBody[T]
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return body.Values, nil
}

func get(ctx context.Context, t Doer, op, p string, v any) error {
	resp, err := do(ctx, t, transport.Request{
		Op:             op,
		Method:         http.MethodGet,
		Path:           p,
		ExpectedStatus: http.StatusOK,
	})
	if err != nil {
		return err
	}
	if err := resp.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func create(ctx context.Context, t Doer, op, p string, payload any) (*transport.Response, error) {
	return do(ctx, t, transport.Request{
		Op:             op,
		Method:         http.MethodPost,
		Path:           p,
		Body:           payload,
		ExpectedStatus: http.StatusCreated,
	})
}

func update(ctx context.Context, t Doer, op, p string, payload any) error {
	_, err := do(ctx, t, transport.Request{
		Op:             op,
		Method:         http.MethodPut,
		Path:           p,
		Body:           payload,
		ExpectedStatus: http.StatusNoContent,
	})
	return err
}

func remove(ctx context.Context, t Doer, op, p string) error {
	_, err := do(ctx, t, transport.Request{
		Op:             op,
		Method:         http.MethodDelete,
		Path:           p,
		ExpectedStatus: http.StatusNoContent,
	})
	return err
}

func withFields(payload map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(payload)+len(kv)/2)
	maps.Copy(out, payload)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

// idFromLocation returns the last path segment of a Location header.
func idFromLocation(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		loc = u.Path
	}
	id := path.Base(loc)
	if id == "." || id == "/" {
		return ""
	}
	return id
}

func escape(id string) string {
	return url.PathEscape(id)
}
