// Package membership keeps a live view of registered service instances,
// driven by the events feed, and spreads keys across them with a
// consistent-hash ring.
package membership

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/pkg/feed"
	"github.com/ryandielhenn/svcreg/pkg/registry"
	"github.com/ryandielhenn/svcreg/pkg/ring"
)

// Subscriber is satisfied by *feed.Poller.
type Subscriber interface {
	Subscribe(t feed.NotificationType, h feed.Handler) (unsubscribe func())
}

// ServiceLister is satisfied by *registry.Services.
type ServiceLister interface {
	List(ctx context.Context, opts registry.ListOptions) ([]registry.Service, error)
}

type Member struct {
	registry.Service
	Address string `json:"address,omitempty"`
}

type Config struct {
	Replicas int    // virtual points per instance, defaults to ring.DefaultReplicas
	Tag      string // only track services carrying this tag when set
	Logger   *zap.Logger
}

type Tracker struct {
	ring *ring.HashRing
	tag  string
	log  *zap.Logger

	mu      sync.RWMutex
	members map[string]Member
}

func New(cfg Config) *Tracker {
	return &Tracker{
		ring:    ring.New(cfg.Replicas, ring.FNV32a),
		tag:     cfg.Tag,
		log:     logging.OrNop(cfg.Logger).Named("membership"),
		members: make(map[string]Member),
	}
}

// Attach follows join and timeout notifications from s until the returned
// func is called.
func (t *Tracker) Attach(s Subscriber) (detach func()) {
	offJoin := s.Subscribe(feed.ServiceJoin, t.HandleJoin)
	offTimeout := s.Subscribe(feed.ServiceTimeout, t.HandleTimeout)
	return func() {
		offJoin()
		offTimeout()
	}
}

// Seed loads the services already registered, so the view is complete
// before the first feed poll.
func (t *Tracker) Seed(ctx context.Context, services ServiceLister) error {
	all, err := services.List(ctx, registry.ListOptions{})
	if err != nil {
		return err
	}
	for _, svc := range all {
		t.add(svc)
	}
	t.log.Debug("seeded members", zap.Int("count", t.Len()))
	return nil
}

func (t *Tracker) HandleJoin(n feed.Notification) {
	svc, ok := decodeService(n.Payload)
	if !ok {
		t.log.Debug("join without a service id, ignoring", zap.String("event_id", n.ID))
		return
	}
	t.add(svc)
}

func (t *Tracker) HandleTimeout(n feed.Notification) {
	svc, ok := decodeService(n.Payload)
	if !ok {
		t.log.Debug("timeout without a service id, ignoring", zap.String("event_id", n.ID))
		return
	}
	t.mu.Lock()
	delete(t.members, svc.ID)
	t.mu.Unlock()

	if t.ring.Remove(svc.ID) {
		t.log.Info("service left", zap.String("service_id", svc.ID))
	}
}

func (t *Tracker) add(svc registry.Service) {
	if t.tag != "" && !slices.Contains(svc.Tags, t.tag) {
		return
	}
	m := Member{Service: svc, Address: Address(svc)}

	t.mu.Lock()
	_, known := t.members[svc.ID]
	t.members[svc.ID] = m
	t.mu.Unlock()

	t.ring.Add(svc.ID, m.Address)
	if !known {
		t.log.Info("service joined", zap.String("service_id", svc.ID), zap.String("address", m.Address))
	}
}

// Lookup returns the member owning key, if any.
func (t *Tracker) Lookup(key string) (Member, bool) {
	id := t.ring.Lookup([]byte(key))
	if id == "" {
		return Member{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

// Members returns the live members ordered by id.
// LookupN returns up to n distinct members for key, owner first.
func (t *Tracker) LookupN(key string, n int) []Member {
	ids := t.ring.LookupN([]byte(key), n)
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := t.members[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Address reports the advertised address of a live member.
func (t *Tracker) Address(id string) (string, bool) {
	return t.ring.Addr(id)
}

func (t *Tracker) Members() []Member {
	t.mu.RLock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (t *Tracker) Len() int {
	return t.ring.Len()
}

func decodeService(payload json.RawMessage) (registry.Service, bool) {
	var svc registry.Service
	if err := json.Unmarshal(payload, &svc); err != nil || svc.ID == "" {
		return registry.Service{}, false
	}
	return svc, true
}
