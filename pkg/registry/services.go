package registry

import (
	"context"
	"net/url"
)

type Service struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Services struct {
	t Doer
}

func (s *Services) List(ctx context.Context, opts ListOptions) ([]Service, error) {
	return list[Service](ctx, s.t, "services.list", "/services", opts)
}

func (s *Services) ListForTag(ctx context.Context, tag string, opts ListOptions) ([]Service, error) {
	if opts.Query == nil {
		opts.Query = url.Values{}
	}
	opts.Query.Set("tag", tag)
	return list[Service](ctx, s.t, "services.list", "/services", opts)
}

func (s *Services) Get(ctx context.Context, id string) (*Service, error) {
	var out Service
	if err := get(ctx, s.t, "services.get", "/services/"+escape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create registers serviceID under sessionID and returns the service
// location. A taken id fails with an *APIError of type ServiceExistsType.
func (s *Services) Create(ctx context.Context, sessionID, serviceID string, payload map[string]any) (string, error) {
	resp, err := create(ctx, s.t, "services.create", "/services",
		withFields(payload, "id", serviceID, "session_id", sessionID))
	if err != nil {
		return "", err
	}
	return resp.Header.Get("Location"), nil
}

func (s *Services) Update(ctx context.Context, id string, payload map[string]any) error {
	return update(ctx, s.t, "services.update", "/services/"+escape(id), payload)
}

func (s *Services) Remove(ctx context.Context, id string) error {
	return remove(ctx, s.t, "services.remove", "/services/"+escape(id))
}
