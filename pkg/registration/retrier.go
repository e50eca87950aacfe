// Package registration registers services under a session, riding out
// stale registrations left behind by a dead predecessor.
//
// When a process restarts and registers the same service id before the
// registry has expired its previous session, the create call fails with a
// serviceWithThisIdExists conflict. The old session times out within one
// heartbeat timeout, so Register keeps retrying for roughly that long.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/internal/telemetry"
	"github.com/ryandielhenn/svcreg/pkg/registry"
)

const (
	DefaultRetryDelay = 2 * time.Second
	// MaxHeartbeatTimeout is the longest lease the registry hands out.
	MaxHeartbeatTimeout = 30 * time.Second
)

// Creator is the part of the services resource Register needs.
type Creator interface {
	Create(ctx context.Context, sessionID, serviceID string, payload map[string]any) (string, error)
}

// Options bound the retry loop. Zero values take the defaults: RetryDelay
// 2s, RetryCount ceil(MaxHeartbeatTimeout / RetryDelay).
type Options struct {
	RetryDelay time.Duration
	RetryCount int
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.RetryCount <= 0 {
		o.RetryCount = int((MaxHeartbeatTimeout + o.RetryDelay - 1) / o.RetryDelay)
	}
	return o
}

type Config struct {
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type Retrier struct {
	creator Creator
	clock   clockwork.Clock
	log     *zap.Logger
}

func New(creator Creator, cfg Config) *Retrier {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrier{
		creator: creator,
		clock:   clock,
		log:     logging.OrNop(cfg.Logger).Named("registration"),
	}
}

// Register creates serviceID under sessionID and returns its location.
//
// Only the service-exists conflict is retried, after opts.RetryDelay. The
// counter is bumped before the continuation check, so at most
// opts.RetryCount attempts are made in total. On exhaustion the last error
// is returned; any other error is returned as soon as it is seen.
func (r *Retrier) Register(ctx context.Context, sessionID, serviceID string, payload map[string]any, opts Options) (string, error) {
	if sessionID == "" || serviceID == "" {
		return "", fmt.Errorf("register: session id and service id required")
	}
	opts = opts.withDefaults()
	log := r.log.With(zap.String("session_id", sessionID), zap.String("service_id", serviceID))

	attempt := 0
	for {
		loc, err := r.creator.Create(ctx, sessionID, serviceID, payload)
		attempt++

		if err == nil {
			telemetry.RegistrationAttempts.WithLabelValues("ok").Inc()
			log.Info("service registered", zap.Int("attempt", attempt), zap.String("location", loc))
			return loc, nil
		}
		if !registry.IsServiceExists(err) {
			telemetry.RegistrationAttempts.WithLabelValues("error").Inc()
			log.Warn("service registration failed", zap.Int("attempt", attempt), zap.Error(err))
			return "", err
		}

		telemetry.RegistrationAttempts.WithLabelValues("conflict").Inc()
		if attempt >= opts.RetryCount {
			log.Warn("service id still taken, giving up",
				zap.Int("attempts", attempt), zap.Error(err))
			return "", err
		}

		log.Debug("service id taken by a stale session, retrying",
			zap.Int("attempt", attempt), zap.Duration("retry_delay", opts.RetryDelay))

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), err)
		case <-r.clock.After(opts.RetryDelay):
		}
	}
}
