package registry

import (
	"context"
	"encoding/json"
)

// Feed event types.
const (
	EventServiceJoin       = "service.join"
	EventServicesTimeout   = "services.timeout"
	EventConfigValueUpdate = "configuration_value.update"
	EventConfigValueRemove = "configuration_value.remove"
)

// Event is one entry of the append-only feed. For services.timeout the
// payload is a JSON array with one element per timed-out service.
type Event struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type Events struct {
	t Doer
}

// List returns the feed. With a non-empty marker the registry returns events
// with id >= marker, so the marker event itself comes back first.
func (e *Events) List(ctx context.Context, marker string, opts ListOptions) ([]Event, error) {
	if marker != "" {
		opts.Marker = marker
	}
	return list[Event](ctx, e.t, "events.list", "/events", opts)
}
