// Package broker carries router traffic between processes.
//
// Three subject families exist under the configured prefix:
//
//	<prefix>.module.<module>             station Calls dispatched to a module
//	<prefix>.station.<tenant>.<station>  module Calls for a connected station
//	<prefix>.reply.<instance>            replies addressed to one process
//
// Routing metadata travels in Ocpp-* headers. Consumers may pass a Filter so
// that only messages carrying matching headers reach their handler. Publishes
// are retried with exponential backoff; exhausting the retries surfaces
// errors.ErrBrokerUnavailable.
package broker
