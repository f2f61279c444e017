// Package connection terminates station WebSockets.
//
// The Manager is an http.Handler. An upgrade request is resolved to a tenant
// and station identifier from its path, checked against the per-tenant
// connection cap, authenticated, and only then upgraded. A new connection for
// a (tenant, station) pair that is already connected closes the old session
// before the new one is registered.
//
// Each Conn reads frames on its own goroutine. CallResult and CallError frames
// are handed to the FrameHandler immediately; Calls are processed one at a
// time, in arrival order, on a second goroutine. Stations that stay silent
// longer than the ping interval times the missed-ping threshold are closed
// with ReasonTimeout.
package connection
