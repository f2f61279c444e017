package webhook

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/natsclient"
)

// Store persists subscriptions. Create fails with errors.ErrKeyExists when
// the ID is already taken; subscriptions are never modified in place.
type Store interface {
	List(ctx context.Context) ([]Subscription, error)
	Create(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps subscriptions in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: map[string]Subscription{}}
}

func (m *MemoryStore) List(context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return errors.WrapInvalid(errors.ErrKeyExists, "MemoryStore", "Create", "create "+sub.ID)
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "Delete", "delete "+id)
	}
	delete(m.subs, id)
	return nil
}

// KVStore keeps subscriptions in a NATS KV bucket keyed by ID, so every
// router instance sees the same set
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps kv
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Bucket exposes the underlying store for Registry.Watch
func (s *KVStore) Bucket() *natsclient.KVStore { return s.kv }

func (s *KVStore) List(ctx context.Context) ([]Subscription, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list keys")
	}
	out := make([]Subscription, 0, len(keys))
	for _, k := range keys {
		entry, err := s.kv.Get(ctx, k)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVStore", "List", "get "+k)
		}
		var sub Subscription
		if err := json.Unmarshal(entry.Value, &sub); err != nil {
			return nil, errors.WrapInvalid(err, "KVStore", "List", "decode "+k)
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *KVStore) Create(ctx context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Create", "encode "+sub.ID)
	}
	if _, err := s.kv.Create(ctx, sub.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrKeyExists, "KVStore", "Create", "create "+sub.ID)
		}
		return errors.WrapTransient(err, "KVStore", "Create", "create "+sub.ID)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "Delete", "delete "+id)
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "get "+id)
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+id)
	}
	return nil
}
