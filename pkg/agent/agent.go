// Package agent keeps one service registered for the life of the process.
//
// An Agent opens a session, heartbeats it, registers the service under it
// and, when the registry reports the session gone, opens a new session and
// registers again. With the feed enabled it also follows the events feed and
// keeps a membership view of every other registered service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/pkg/feed"
	"github.com/ryandielhenn/svcreg/pkg/membership"
	"github.com/ryandielhenn/svcreg/pkg/registration"
	"github.com/ryandielhenn/svcreg/pkg/registry"
	"github.com/ryandielhenn/svcreg/pkg/session"
	"github.com/ryandielhenn/svcreg/pkg/stream"
	"github.com/ryandielhenn/svcreg/pkg/transport"
)

const DefaultHeartbeatTimeout = 15 * time.Second

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrStopped        = errors.New("agent stopped")
)

type SessionAPI interface {
	Create(ctx context.Context, heartbeatTimeout int, payload map[string]any) (*registry.CreatedSession, error)
	session.Renewer
}

type ServiceAPI interface {
	registration.Creator
	membership.ServiceLister
	Remove(ctx context.Context, id string) error
}

// Registry is the set of resources an Agent talks to.
type Registry struct {
	Sessions SessionAPI
	Services ServiceAPI
	Events   feed.Lister
}

func FromClient(c *registry.Client) Registry {
	return Registry{Sessions: c.Sessions, Services: c.Services, Events: c.Events}
}

type Config struct {
	ServiceID string
	// Address is advertised as the "address" metadata key.
	Address  string
	Tags     []string
	Metadata map[string]string
	// HeartbeatTimeout is the session lease, in whole seconds.
	HeartbeatTimeout time.Duration
	Retry            registration.Options

	// Feed enables the events feed poller and the membership view.
	Feed         bool
	FeedInterval time.Duration
	MarkerStore  feed.MarkerStore
	MemberTag    string

	// HostInfo, when set, contributes to the service metadata. Keys from
	// Metadata win.
	HostInfo func(ctx context.Context) map[string]string

	Clock  clockwork.Clock
	Logger *zap.Logger
}

type Agent struct {
	reg     Registry
	cfg     Config
	clock   clockwork.Clock
	log     *zap.Logger
	retrier *registration.Retrier
	poller  *feed.Poller
	members *membership.Tracker
	hub     *stream.Hub
	created time.Time

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	stopped    bool
	recovering bool
	hb         *session.Heartbeater
	sessionID  string
	location   string
	sessions   int
}

func New(reg Registry, cfg Config) (*Agent, error) {
	if reg.Sessions == nil || reg.Services == nil {
		return nil, fmt.Errorf("sessions and services required")
	}
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("ServiceID required")
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.HeartbeatTimeout < time.Second || cfg.HeartbeatTimeout%time.Second != 0 {
		return nil, fmt.Errorf("HeartbeatTimeout must be whole seconds, got %s", cfg.HeartbeatTimeout)
	}
	if cfg.Feed && reg.Events == nil {
		return nil, fmt.Errorf("events required when the feed is enabled")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := logging.OrNop(cfg.Logger).Named("agent").With(zap.String("service_id", cfg.ServiceID))

	a := &Agent{
		reg:     reg,
		cfg:     cfg,
		clock:   clock,
		log:     log,
		retrier: registration.New(reg.Services, registration.Config{Clock: clock, Logger: cfg.Logger}),
		members: membership.New(membership.Config{Tag: cfg.MemberTag, Logger: cfg.Logger}),
		created: clock.Now(),
	}
	a.hub = stream.NewHub(stream.HubConfig{
		Snapshot: func() any { return a.members.Members() },
		Logger:   cfg.Logger,
	})
	if cfg.Feed {
		a.poller = feed.New(reg.Events, feed.Config{
			Interval: cfg.FeedInterval,
			Store:    cfg.MarkerStore,
			Clock:    clock,
			Logger:   cfg.Logger,
		})
		a.members.Attach(a.poller)
		a.hub.Attach(a.poller)
	}
	return a, nil
}

// Start opens the session, starts heartbeating, registers the service and
// then starts following the feed. It returns once the service is
// registered; a registration that cannot complete fails Start.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.stopped:
		a.mu.Unlock()
		return ErrStopped
	case a.started:
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.ctx = ctx
	a.mu.Unlock()

	if err := a.establish(ctx); err != nil {
		return err
	}

	if a.poller != nil {
		if err := a.members.Seed(ctx, a.reg.Services); err != nil {
			a.log.Warn("failed to seed membership, relying on the feed", zap.Error(err))
		}
		a.poller.Start(ctx)
	}
	return nil
}

// Stop halts every loop and removes the service from the registry so peers
// see it leave without waiting for the session to time out.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	hb, registered := a.hb, a.location != ""
	a.mu.Unlock()

	if a.poller != nil {
		a.poller.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	a.hub.Close()

	if !registered {
		return nil
	}
	err := a.reg.Services.Remove(ctx, a.cfg.ServiceID)
	if err != nil && !transport.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("deregister %s: %w", a.cfg.ServiceID, err)
	}
	a.log.Info("service deregistered")
	return nil
}

// establish creates a session, starts its heartbeater and registers the
// service under it.
func (a *Agent) establish(ctx context.Context) error {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	timeout := a.cfg.HeartbeatTimeout
	sess, err := a.reg.Sessions.Create(ctx, int(timeout/time.Second), map[string]any{})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	log := a.log.With(zap.String("session_id", sess.ID))
	log.Info("session created", zap.Duration("heartbeat_timeout", timeout))

	hb, err := session.NewHeartbeater(a.reg.Sessions, session.Config{
		SessionID:        sess.ID,
		HeartbeatTimeout: timeout,
		InitialToken:     sess.Token,
		Clock:            a.clock,
		Logger:           a.cfg.Logger,
	})
	if err != nil {
		return err
	}
	hb.OnError(a.onHeartbeatError)

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	a.hb = hb
	a.sessionID = sess.ID
	a.location = ""
	a.sessions++
	a.mu.Unlock()

	if err := hb.Start(ctx); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return ErrStopped
		}
		return err
	}

	loc, err := a.retrier.Register(ctx, sess.ID, a.cfg.ServiceID, a.payload(ctx), a.cfg.Retry)
	if err != nil {
		hb.Stop()
		return fmt.Errorf("register %s: %w", a.cfg.ServiceID, err)
	}

	a.mu.Lock()
	stopped = a.stopped
	if !stopped && a.sessionID == sess.ID {
		a.location = loc
	}
	a.mu.Unlock()

	// Stop ran while registering and saw nothing to remove.
	if stopped {
		if err := a.reg.Services.Remove(ctx, a.cfg.ServiceID); err != nil && !transport.IsStatus(err, http.StatusNotFound) {
			log.Warn("failed to remove service registered during stop", zap.Error(err))
		}
		return ErrStopped
	}
	return nil
}

func (a *Agent) payload(ctx context.Context) map[string]any {
	meta := make(map[string]string)
	if a.cfg.HostInfo != nil {
		maps.Copy(meta, a.cfg.HostInfo(ctx))
	}
	if a.cfg.Address != "" {
		meta["address"] = a.cfg.Address
	}
	maps.Copy(meta, a.cfg.Metadata)

	p := map[string]any{"metadata": meta}
	if len(a.cfg.Tags) > 0 {
		p["tags"] = a.cfg.Tags
	}
	return p
}

func (a *Agent) onHeartbeatError(err error) {
	var re *session.RenewalError
	if !errors.As(err, &re) || !re.Fatal {
		return
	}

	a.mu.Lock()
	if a.stopped || a.recovering || re.SessionID != a.sessionID {
		a.mu.Unlock()
		return
	}
	a.recovering = true
	ctx := a.ctx
	a.mu.Unlock()

	a.log.Warn("session lost, recreating", zap.String("session_id", re.SessionID))
	go a.recover(ctx)
}

// recover re-establishes the session until it succeeds, ctx is done or the
// agent is stopped.
func (a *Agent) recover(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.recovering = false
		a.mu.Unlock()
	}()

	delay := a.cfg.Retry.RetryDelay
	if delay <= 0 {
		delay = registration.DefaultRetryDelay
	}
	for attempt := 1; ; attempt++ {
		err := a.establish(ctx)
		if err == nil {
			a.log.Info("session recreated", zap.Int("attempt", attempt), zap.String("session_id", a.SessionID()))
			return
		}
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return
		}
		a.log.Warn("failed to recreate session", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(delay):
		}
	}
}

func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Location is the registered service URL, empty while unregistered.
func (a *Agent) Location() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.location
}

// Heartbeat reports the current heartbeater state.
func (a *Agent) Heartbeat() session.State {
	a.mu.Lock()
	hb := a.hb
	a.mu.Unlock()
	if hb == nil {
		return session.StateIdle
	}
	return hb.State()
}

// Poller is nil when the feed is disabled.
func (a *Agent) Poller() *feed.Poller { return a.poller }

func (a *Agent) Members() *membership.Tracker { return a.members }

func (a *Agent) Hub() *stream.Hub { return a.hub }
