// Package webhook notifies external systems about station activity.
//
// A Subscription names a tenant, a station (or "*" for all of them), a URL
// and the events it wants: connect, close, frames received from the station
// and frames sent to it. Message events can be narrowed further with a
// regular expression matched against the raw frame text.
//
// Subscriptions live in a Store. MemoryStore serves single-instance
// deployments; KVStore keeps them in a NATS KV bucket so every router
// instance shares one set, and Registry.Watch picks up changes made through
// any instance's management API.
//
// The Registry holds an immutable, precompiled snapshot that is swapped
// atomically, so the per-frame Match on the connection path never takes a
// lock. The Notifier is a connection.Observer: it turns lifecycle callbacks
// into Events and posts them from a worker pool. Deliveries are fire and
// forget.
package webhook
