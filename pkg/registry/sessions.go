package registry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ryandielhenn/svcreg/pkg/transport"
)

type Session struct {
	ID               string            `json:"id"`
	HeartbeatTimeout int               `json:"heartbeat_timeout"`
	LastSeen         int64             `json:"last_seen,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CreatedSession is what Create hands back: the id parsed from the Location
// header and the initial heartbeat token.
type CreatedSession struct {
	ID               string
	Location         string
	Token            string
	HeartbeatTimeout int
}

type Sessions struct {
	t Doer
}

func (s *Sessions) List(ctx context.Context, opts ListOptions) ([]Session, error) {
	return list[Session](ctx, s.t, "sessions.list", "/sessions", opts)
}

func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := get(ctx, s.t, "sessions.get", "/sessions/"+escape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create opens a session with the given heartbeat timeout in seconds.
func (s *Sessions) Create(ctx context.Context, heartbeatTimeout int, payload map[string]any) (*CreatedSession, error) {
	if heartbeatTimeout <= 0 {
		return nil, fmt.Errorf("heartbeat timeout must be positive, got %d", heartbeatTimeout)
	}
	resp, err := create(ctx, s.t, "sessions.create", "/sessions",
		withFields(payload, "heartbeat_timeout", heartbeatTimeout))
	if err != nil {
		return nil, err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("sessions.create: %w", err)
	}

	loc := resp.Header.Get("Location")
	id := idFromLocation(loc)
	if id == "" {
		return nil, fmt.Errorf("sessions.create: missing Location header")
	}
	return &CreatedSession{ID: id, Location: loc, Token: body.Token, HeartbeatTimeout: heartbeatTimeout}, nil
}

// Heartbeat renews the session lease and returns the token for the next
// renewal.
func (s *Sessions) Heartbeat(ctx context.Context, id, token string) (string, error) {
	resp, err := do(ctx, s.t, transport.Request{
		Op:             "sessions.heartbeat",
		Method:         http.MethodPost,
		Path:           "/sessions/" + escape(id) + "/heartbeat",
		Body:           map[string]string{"token": token},
		ExpectedStatus: http.StatusOK,
	})
	if err != nil {
		return "", err
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", fmt.Errorf("sessions.heartbeat: %w", err)
	}
	return body.Token, nil
}

func (s *Sessions) Update(ctx context.Context, id string, payload map[string]any) error {
	return update(ctx, s.t, "sessions.update", "/sessions/"+escape(id), payload)
}
