// Package feed turns the registry's marker-based event feed into a stream of
// typed notifications.
//
// The feed is at-least-once: asking for events since marker M returns M
// itself first. The poller drops that echo so each event is dispatched once
// per poller instance.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/internal/telemetry"
	"github.com/ryandielhenn/svcreg/pkg/registry"
)

const DefaultInterval = 10 * time.Second

type NotificationType string

const (
	ServiceJoin    NotificationType = "service.join"
	ServiceTimeout NotificationType = "service.timeout"
)

// Notification is one dispatched feed entry. A services.timeout event yields
// one notification per timed-out service, all sharing the event id and
// timestamp.
type Notification struct {
	Type      NotificationType `json:"type"`
	ID        string           `json:"id"`
	Timestamp int64            `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

type Handler func(Notification)

// Lister is the part of the events resource the poller needs.
type Lister interface {
	List(ctx context.Context, marker string, opts registry.ListOptions) ([]registry.Event, error)
}

// MarkerStore persists the cursor across process restarts.
type MarkerStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, marker string) error
}

type Config struct {
	Interval time.Duration // defaults to DefaultInterval
	// Marker resumes from a known cursor instead of the start of the feed.
	Marker string
	// Store, when set, seeds the marker before the first poll and records
	// every advance.
	Store  MarkerStore
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type Poller struct {
	events   Lister
	interval time.Duration
	store    MarkerStore
	clock    clockwork.Clock
	log      *zap.Logger

	mu       sync.Mutex
	started  bool
	gen      uint64
	timer    clockwork.Timer
	ctx      context.Context
	marker   string
	loaded   bool
	inFlight bool
	nextID   int
	handlers map[NotificationType]map[int]Handler
}

func New(events Lister, cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		events:   events,
		interval: interval,
		store:    cfg.Store,
		clock:    clock,
		log:      logging.OrNop(cfg.Logger).Named("feed"),
		marker:   cfg.Marker,
		loaded:   cfg.Store == nil || cfg.Marker != "",
		handlers: make(map[NotificationType]map[int]Handler),
	}
}

// Subscribe registers h for notifications of type t and returns a func that
// removes it. Handlers run on the polling goroutine, in feed order, and may
// call Stop.
func (p *Poller) Subscribe(t NotificationType, h Handler) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	if p.handlers[t] == nil {
		p.handlers[t] = make(map[int]Handler)
	}
	p.handlers[t][id] = h

	return func() {
		p.mu.Lock()
		delete(p.handlers[t], id)
		p.mu.Unlock()
	}
}

// Start schedules the first poll one interval from now. Calling Start on a
// started poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.gen++
	p.ctx = ctx
	p.log.Debug("events feed poller started", zap.Duration("interval", p.interval))
	// A poll left over from before the last Stop schedules the next one when
	// it completes.
	if !p.inFlight {
		p.scheduleLocked(p.gen)
	}
}

// Stop cancels the pending poll. A poll already in flight completes and
// dispatches, but does not schedule another unless the poller is started
// again. Stop is idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.started = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.log.Debug("events feed poller stopped")
}

// Marker returns the id of the last dispatched event, or "" before the first
// non-empty poll.
func (p *Poller) Marker() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marker
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Poller) scheduleLocked(gen uint64) {
	if !p.started || gen != p.gen {
		return
	}
	p.log.Debug("scheduling next poll", zap.Duration("interval", p.interval))
	p.timer = p.clock.AfterFunc(p.interval, func() { p.cycle(gen) })
}

func (p *Poller) cycle(gen uint64) {
	p.mu.Lock()
	if !p.started || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.inFlight = true
	ctx := p.ctx
	p.mu.Unlock()

	// A failed poll is not fatal; the next cycle retries it.
	_ = p.poll(ctx)

	p.mu.Lock()
	p.inFlight = false
	p.scheduleLocked(p.gen)
	p.mu.Unlock()
}

func (p *Poller) poll(ctx context.Context) error {
	// Fetching without the stored cursor would replay the whole feed.
	if err := p.loadMarker(ctx); err != nil {
		telemetry.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	p.mu.Lock()
	marker := p.marker
	p.mu.Unlock()

	p.log.Debug("polling events feed", zap.String("marker", marker))
	entries, err := p.events.List(ctx, marker, registry.ListOptions{})
	if err != nil {
		telemetry.PollsTotal.WithLabelValues("error").Inc()
		p.log.Error("failed to retrieve events", zap.String("marker", marker), zap.Error(err))
		return err
	}
	telemetry.PollsTotal.WithLabelValues("ok").Inc()

	fresh, next := advance(marker, entries)

	p.mu.Lock()
	p.marker = next
	p.mu.Unlock()

	p.log.Debug("got new events", zap.Int("count", len(fresh)), zap.String("next_marker", next))

	if next != marker && p.store != nil {
		if err := p.store.Save(ctx, next); err != nil {
			p.log.Warn("failed to save feed marker", zap.String("marker", next), zap.Error(err))
		}
	}

	p.dispatch(fresh)
	return nil
}

func (p *Poller) loadMarker(ctx context.Context) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	m, err := p.store.Load(ctx)
	if err != nil {
		p.log.Warn("failed to load feed marker, skipping poll", zap.Error(err))
		return fmt.Errorf("load feed marker: %w", err)
	}

	p.mu.Lock()
	p.loaded = true
	if p.marker == "" {
		p.marker = m
	}
	p.mu.Unlock()
	return nil
}

// advance drops the echoed marker event and returns the new events with the
// marker to use next time. The marker only moves when something new arrived.
func advance(marker string, entries []registry.Event) ([]registry.Event, string) {
	if len(entries) > 0 && marker != "" && entries[0].ID == marker {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return nil, marker
	}
	return entries, entries[len(entries)-1].ID
}

func (p *Poller) dispatch(entries []registry.Event) {
	for _, e := range entries {
		switch e.Type {
		// TODO: configuration_value.* should get their own notification
		// types once consumers stop relying on them arriving as joins.
		case registry.EventServiceJoin, registry.EventConfigValueUpdate, registry.EventConfigValueRemove:
			p.emit(Notification{Type: ServiceJoin, ID: e.ID, Timestamp: e.Timestamp, Payload: e.Payload})

		case registry.EventServicesTimeout:
			var services []json.RawMessage
			if err := json.Unmarshal(e.Payload, &services); err != nil {
				p.log.Error("malformed services.timeout payload", zap.String("event_id", e.ID), zap.Error(err))
				continue
			}
			for _, s := range services {
				p.emit(Notification{Type: ServiceTimeout, ID: e.ID, Timestamp: e.Timestamp, Payload: s})
			}

		default:
			p.log.Error("unrecognized event type", zap.String("type", e.Type), zap.String("event_id", e.ID))
		}
	}
}

func (p *Poller) emit(n Notification) {
	p.mu.Lock()
	hs := make([]Handler, 0, len(p.handlers[n.Type]))
	for _, h := range p.handlers[n.Type] {
		hs = append(hs, h)
	}
	p.mu.Unlock()

	telemetry.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	for _, h := range hs {
		p.call(h, n)
	}
}

func (p *Poller) call(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("notification handler panicked",
				zap.String("type", string(n.Type)), zap.String("event_id", n.ID), zap.Any("panic", r))
		}
	}()
	h(n)
}

func (n Notification) String() string {
	return fmt.Sprintf("%s#%s", n.Type, n.ID)
}
