// Package errors provides the error taxonomy and classification used across the
// OCPP router.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: broker outages, call timeouts, busy stations (retry later)
//   - Invalid: malformed frames, unknown actions, bad input (do not retry)
//   - Fatal: configuration problems detected at startup (stop the process)
//
// # Taxonomy
//
// The router surfaces a closed set of sentinels to its callers:
//
//	ErrProtocol                 malformed OCPP-J frame, connection survives
//	ErrNotImplemented           unknown action, answered with a CallError
//	ErrCallInProgress           a Call to the station is already outstanding
//	ErrCallTimeout              the PendingCall deadline passed
//	ErrConnectionClosed         the station's WebSocket went away
//	ErrBrokerUnavailable        publish retries exhausted
//	ErrUnauthenticated          upgrade rejected with 401
//	ErrTenantNotFound           upgrade rejected with 404
//	ErrConnectionLimitExceeded  upgrade rejected with 429
//
// Wrap third-party errors with component context:
//
//	if err := conn.Publish(subject, data); err != nil {
//	    return errors.WrapTransient(err, "Adapter", "Publish", "publish frame")
//	}
//
// and test with the standard helpers:
//
//	if errors.Is(err, errors.ErrCallInProgress) { ... }
package errors
