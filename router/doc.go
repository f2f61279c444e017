// Package router decides who handles each OCPP Call.
//
// Inbound, a Table built at startup maps (protocol version, action) to a
// Handler. Actions with a local handler run in process; the rest are
// published to their owning module over the broker and the reply is awaited
// through the correlation engine. Unknown actions are answered with
// NotImplemented and malformed frames with FormationViolation (1.6) or
// FormatViolation (2.0.1).
//
// Outbound, the Router consumes the station subject of every station
// connected to this process, so a module anywhere on the broker can call a
// station without knowing which router instance holds it.
package router
