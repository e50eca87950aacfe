package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/pkg/feed"
	"github.com/ryandielhenn/svcreg/pkg/registry"
)

// Subscriber is satisfied by *feed.Poller.
type Subscriber interface {
	Subscribe(t feed.NotificationType, h feed.Handler) (unsubscribe func())
}

type MirrorConfig struct {
	Prefix    string        // defaults to DefaultPrefix
	OpTimeout time.Duration // defaults to DefaultOpTimeout
	Logger    *zap.Logger
}

// Mirror writes every joined service to <prefix>/services/<id> as JSON and
// deletes it when the service times out.
type Mirror struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

func NewMirror(kv clientv3.KV, cfg MirrorConfig) *Mirror {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &Mirror{
		kv:      kv,
		prefix:  cfg.Prefix,
		timeout: timeout,
		log:     logging.OrNop(cfg.Logger).Named("mirror"),
	}
}

func (m *Mirror) Attach(s Subscriber) (detach func()) {
	offJoin := s.Subscribe(feed.ServiceJoin, m.HandleJoin)
	offTimeout := s.Subscribe(feed.ServiceTimeout, m.HandleTimeout)
	return func() {
		offJoin()
		offTimeout()
	}
}

func (m *Mirror) HandleJoin(n feed.Notification) {
	var svc registry.Service
	if err := json.Unmarshal(n.Payload, &svc); err != nil || svc.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Put(ctx, svc); err != nil {
		m.log.Warn("failed to mirror service", zap.String("service_id", svc.ID), zap.Error(err))
	}
}

func (m *Mirror) HandleTimeout(n feed.Notification) {
	var svc registry.Service
	if err := json.Unmarshal(n.Payload, &svc); err != nil || svc.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Delete(ctx, svc.ID); err != nil {
		m.log.Warn("failed to drop mirrored service", zap.String("service_id", svc.ID), zap.Error(err))
	}
}

func (m *Mirror) Put(ctx context.Context, svc registry.Service) error {
	val, err := json.Marshal(svc)
	if err != nil {
		return err
	}
	key := Key(m.prefix, "services", svc.ID)
	if _, err := m.kv.Put(ctx, key, string(val)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	m.log.Debug("mirrored service", zap.String("key", key))
	return nil
}

func (m *Mirror) Delete(ctx context.Context, id string) error {
	key := Key(m.prefix, "services", id)
	if _, err := m.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Services reads back every mirrored service.
func (m *Mirror) Services(ctx context.Context) ([]registry.Service, error) {
	dir := dirKey(m.prefix, "services")
	resp, err := m.kv.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", dir, err)
	}
	out := make([]registry.Service, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var svc registry.Service
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			m.log.Warn("skipping unreadable entry", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if svc.ID == "" {
			svc.ID = strings.TrimPrefix(string(kv.Key), dir)
		}
		out = append(out, svc)
	}
	return out, nil
}
