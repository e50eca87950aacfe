// Package session keeps a registry session alive.
//
// A Heartbeater renews the session lease on a jittered cadence derived from
// the session's heartbeat timeout, rotating the token on every successful
// renewal. Renewals form a sequential chain: the next one is scheduled only
// after the previous one completed, so a slow registry throttles the client
// instead of piling up requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/internal/telemetry"
	"github.com/ryandielhenn/svcreg/pkg/transport"
)

var (
	// ErrSessionGone is reported when the registry no longer knows the
	// session. The heartbeater is stopped for good; create a new session.
	ErrSessionGone = errors.New("session no longer exists")

	ErrAlreadyStarted = errors.New("heartbeater already started")
	ErrStopped        = errors.New("heartbeater stopped")
)

// Renewer is the part of the sessions resource the heartbeater needs.
type Renewer interface {
	Heartbeat(ctx context.Context, id, token string) (string, error)
}

type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RenewalError is handed to error observers for every failed renewal.
type RenewalError struct {
	SessionID string
	Fatal     bool
	Err       error
}

func (e *RenewalError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("session %s: heartbeat failed permanently: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s: heartbeat failed: %v", e.SessionID, e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

type Config struct {
	SessionID string
	// HeartbeatTimeout is the lease length the session was created with.
	HeartbeatTimeout time.Duration
	// InitialToken is the token returned when the session was created.
	InitialToken string

	Clock  clockwork.Clock // defaults to the real clock
	Logger *zap.Logger
	// Jitter returns a value in [0, n). Defaults to math/rand/v2.IntN.
	Jitter func(n int) int
}

type Heartbeater struct {
	renewer Renewer
	id      string
	base    time.Duration
	clock   clockwork.Clock
	jitter  func(int) int
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	token     string
	timer     clockwork.Timer
	ctx       context.Context
	observers []func(error)
}

func NewHeartbeater(renewer Renewer, cfg Config) (*Heartbeater, error) {
	if renewer == nil {
		return nil, fmt.Errorf("renewer required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("SessionID required")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("HeartbeatTimeout must be positive, got %s", cfg.HeartbeatTimeout)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = rand.IntN
	}

	return &Heartbeater{
		renewer: renewer,
		id:      cfg.SessionID,
		base:    BaseInterval(cfg.HeartbeatTimeout),
		clock:   clock,
		jitter:  jitter,
		log:     logging.OrNop(cfg.Logger).Named("heartbeat").With(zap.String("session_id", cfg.SessionID)),
		state:   StateIdle,
		token:   cfg.InitialToken,
	}, nil
}

// BaseInterval is the renewal interval before jitter: 60% of the timeout
// below 15s, 80% from 15s up.
func BaseInterval(timeout time.Duration) time.Duration {
	if timeout < 15*time.Second {
		return timeout * 6 / 10
	}
	return timeout * 8 / 10
}

// NextDelay jitters base by a whole number of seconds in [-3, +1) when base
// exceeds 5s. intn must return a value in [0, n). The result is truncated to
// milliseconds and never negative.
func NextDelay(base time.Duration, intn func(int) int) time.Duration {
	d := base
	if d > 5*time.Second {
		d += time.Duration(intn(4)-3) * time.Second
	}
	d = d.Truncate(time.Millisecond)
	if d < 0 {
		return 0
	}
	return d
}

// OnError registers fn to be called with a *RenewalError after each failed
// renewal. Observers run on the heartbeat goroutine and may call Stop.
func (h *Heartbeater) OnError(fn func(error)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Start sends the first renewal right away and keeps renewing until Stop or
// until the registry reports the session gone. ctx bounds every renewal
// request; cancelling it fails in-flight requests but does not stop the loop.
func (h *Heartbeater) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}
	h.state = StateRunning
	h.ctx = ctx
	h.log.Info("heartbeater started", zap.Duration("base_interval", h.base))

	go h.beat()
	return nil
}

// Stop is idempotent. No renewal is sent after it returns; a renewal already
// in flight completes but is not followed by another.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeater) stopLocked() {
	if h.state == StateStopped {
		return
	}
	h.state = StateStopped
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.log.Info("heartbeater stopped")
}

func (h *Heartbeater) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Token returns the token the next renewal will present.
func (h *Heartbeater) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *Heartbeater) SessionID() string {
	return h.id
}

func (h *Heartbeater) beat() {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	ctx, token := h.ctx, h.token
	h.mu.Unlock()

	h.log.Debug("renewing session")
	next, err := h.renewer.Heartbeat(ctx, h.id, token)

	h.mu.Lock()
	if err == nil {
		h.token = next
	}
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}

	var notify *RenewalError
	switch {
	case err == nil:
		telemetry.HeartbeatsTotal.WithLabelValues("ok").Inc()
	case transport.IsStatus(err, http.StatusNotFound):
		telemetry.HeartbeatsTotal.WithLabelValues("gone").Inc()
		h.log.Error("session is gone, stopping heartbeater", zap.Error(err))
		h.stopLocked()
		notify = &RenewalError{SessionID: h.id, Fatal: true, Err: fmt.Errorf("%w: %w", ErrSessionGone, err)}
	default:
		telemetry.HeartbeatsTotal.WithLabelValues("transient").Inc()
		h.log.Warn("heartbeat failed, keeping cadence", zap.Error(err))
		notify = &RenewalError{SessionID: h.id, Err: err}
	}

	if h.state == StateRunning {
		delay := NextDelay(h.base, h.jitter)
		h.timer = h.clock.AfterFunc(delay, h.beat)
		h.log.Debug("next heartbeat scheduled", zap.Duration("delay", delay))
	}
	observers := slices.Clone(h.observers)
	h.mu.Unlock()

	if notify != nil {
		for _, fn := range observers {
			fn(notify)
		}
	}
}
