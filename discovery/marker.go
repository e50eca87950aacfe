package discovery

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// MarkerStore keeps the events feed cursor at <prefix>/marker so a restarted
// poller resumes where the last one stopped.
type MarkerStore struct {
	kv  clientv3.KV
	key string
}

func NewMarkerStore(kv clientv3.KV, prefix string) *MarkerStore {
	return &MarkerStore{kv: kv, key: Key(prefix, "marker")}
}

// Load returns "" when no marker was saved yet.
func (m *MarkerStore) Load(ctx context.Context) (string, error) {
	resp, err := m.kv.Get(ctx, m.key)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", m.key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (m *MarkerStore) Save(ctx context.Context, marker string) error {
	if _, err := m.kv.Put(ctx, m.key, marker); err != nil {
		return fmt.Errorf("put %s: %w", m.key, err)
	}
	return nil
}
