package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/natsclient"
)

type compiled struct {
	sub    Subscription
	filter *regexp.Regexp
}

type tenantKey struct {
	tenant  string
	station string
}

// snapshot is never mutated once published
type snapshot struct {
	byStation map[tenantKey][]compiled
	all       []Subscription
}

func newSnapshot(subs []Subscription) (*snapshot, error) {
	s := &snapshot{byStation: make(map[tenantKey][]compiled, len(subs))}
	for _, sub := range subs {
		c := compiled{sub: sub}
		if sub.MessageRegexFilter != "" {
			re, err := regexp.Compile(sub.MessageRegexFilter)
			if err != nil {
				return nil, errors.WrapInvalid(err, "Registry", "Replace", "compile filter for "+sub.ID)
			}
			c.filter = re
		}
		k := tenantKey{sub.TenantID, sub.StationID}
		s.byStation[k] = append(s.byStation[k], c)
		s.all = append(s.all, sub)
	}
	sort.Slice(s.all, func(i, j int) bool { return s.all[i].ID < s.all[j].ID })
	return s, nil
}

// Registry answers which subscriptions want an event. Reads go through an
// atomically swapped snapshot and never block writers.
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger

	// serializes incremental updates from Watch
	mu      sync.Mutex
	working map[string]Subscription
}

// NewRegistry returns an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "webhook-registry")}
	r.current.Store(&snapshot{byStation: map[tenantKey][]compiled{}})
	return r
}

// Replace swaps in a new subscription set. The old snapshot stays in place
// if any subscription fails to compile.
func (r *Registry) Replace(subs []Subscription) error {
	snap, err := newSnapshot(subs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.working = make(map[string]Subscription, len(subs))
	for _, s := range subs {
		r.working[s.ID] = s
	}
	r.mu.Unlock()
	r.current.Store(snap)
	return nil
}

// List returns the current subscriptions sorted by ID, optionally limited to
// one tenant
func (r *Registry) List(tenantID string) []Subscription {
	all := r.current.Load().all
	out := make([]Subscription, 0, len(all))
	for _, s := range all {
		if tenantID == "" || s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

// Match returns the subscriptions that should receive e
func (r *Registry) Match(e Event) []Subscription {
	snap := r.current.Load()
	var out []Subscription
	for _, station := range []string{e.StationID, Wildcard} {
		for _, c := range snap.byStation[tenantKey{e.TenantID, station}] {
			if !c.sub.wants(e.Type) {
				continue
			}
			if e.IsMessage() && c.filter != nil && !c.filter.MatchString(e.Message) {
				continue
			}
			out = append(out, c.sub)
		}
		if e.StationID == Wildcard {
			break
		}
	}
	return out
}

// Sync loads every subscription from store into the registry
func (r *Registry) Sync(ctx context.Context, store Store) error {
	subs, err := store.List(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "Sync", "list subscriptions")
	}
	return r.Replace(subs)
}

// Watch follows a KV bucket and rebuilds the snapshot on every change until
// ctx is cancelled. Entries that fail to decode are skipped.
func (r *Registry) Watch(ctx context.Context, kv *natsclient.KVStore) error {
	w, err := kv.Watch(ctx, ">")
	if err != nil {
		return errors.WrapTransient(err, "Registry", "Watch", "watch subscriptions")
	}
	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// initial replay done
					continue
				}
				r.apply(entry)
			}
		}
	}()
	return nil
}

func (r *Registry) apply(entry jetstream.KeyValueEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.working == nil {
		r.working = map[string]Subscription{}
	}

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(r.working, entry.Key())
	default:
		var sub Subscription
		if err := json.Unmarshal(entry.Value(), &sub); err != nil {
			r.logger.Warn("skipping undecodable subscription", "key", entry.Key(), "error", err)
			return
		}
		if err := sub.Validate(); err != nil {
			r.logger.Warn("skipping invalid subscription", "key", entry.Key(), "error", err)
			return
		}
		r.working[entry.Key()] = sub
	}

	subs := make([]Subscription, 0, len(r.working))
	for _, s := range r.working {
		subs = append(subs, s)
	}
	snap, err := newSnapshot(subs)
	if err != nil {
		r.logger.Warn("subscription snapshot rejected", "error", err)
		return
	}
	r.current.Store(snap)
	r.logger.Debug("subscriptions updated", "count", len(subs))
}
