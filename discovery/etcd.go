// Package discovery mirrors the registry's view into etcd so processes that
// never talk to the registry can still find live services, and checkpoints
// the events feed cursor there.
package discovery

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
)

const (
	DefaultPrefix      = "/svcreg"
	DefaultDialTimeout = 5 * time.Second
	// DefaultOpTimeout bounds each etcd call made from a feed handler.
	DefaultOpTimeout = 3 * time.Second
)

func NewClient(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("discovery: no etcd endpoints")
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logging.OrNop(log).Named("etcd"),
	})
}

// Key joins prefix and parts into an etcd key, e.g. /svcreg/services/api-1.
func Key(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(append([]string{"/", prefix}, parts...)...)
}

// dirKey is Key with a trailing slash, for prefix reads.
func dirKey(prefix string, parts ...string) string {
	return strings.TrimSuffix(Key(prefix, parts...), "/") + "/"
}

// Announce writes key=value bound to a ttl-second lease and keeps the lease
// alive until ctx is done. The key disappears one ttl after the process does.
func Announce(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, key, value string, ttl int64) (clientv3.LeaseID, error) {
	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := kv.Put(ctx, key, value, clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}

	acks, err := lease.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("keepalive %x: %w", grant.ID, err)
	}
	// drain acks so the client does not log a full channel
	go func() {
		for range acks {
		}
	}()
	return grant.ID, nil
}
