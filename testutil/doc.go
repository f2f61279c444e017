// Package testutil provides testing utilities for the router, its modules and
// the broker adapter.
//
// # Overview
//
// Most unit tests in this repository exercise the broker protocol without a
// NATS server. MemoryTransport stands in for the natsclient connection and
// keeps the subject semantics tests rely on:
//   - "*" and ">" wildcards
//   - queue groups, each message delivered to one member
//   - in-order delivery per subscription
//
// Published messages are retained so tests can assert on envelopes after the
// fact, and FailNextPublishes injects broker failures to drive the retry path.
//
// # Fixtures
//
// MalformedFrames pairs station frames with the CallError each protocol
// version must answer them with. UnreadableFrames carry no recoverable unique
// id and must be dropped. Payloads16 and Payloads201 hold minimal valid
// request bodies per action.
//
// # Usage
//
//	transport := testutil.NewMemoryTransport()
//	adapter := broker.NewAdapter(transport, cfg.NATS)
//
//	// ... drive the component under test ...
//
//	msgs := transport.Published(adapter.Subjects().Module("configuration"))
//	require.Len(t, msgs, 1)
//
// Tests that need a real server use natsclient.NewTestClient, which starts a
// NATS container through testcontainers-go and is gated by the integration
// build tag.
package testutil
