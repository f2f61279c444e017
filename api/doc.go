// Package api is the router's management REST surface.
//
// All /api/v1 routes require an HS256 bearer token whose claims carry
// tenant_id and role. Requests act on the token's tenant; an admin token may
// address another tenant with ?tenant=. Viewer tokens are read-only.
//
//	GET    /healthz
//	GET    /api/v1/connections
//	DELETE /api/v1/connections/{stationId}
//	GET    /api/v1/subscriptions
//	POST   /api/v1/subscriptions
//	DELETE /api/v1/subscriptions/{id}
//	POST   /api/v1/stations/{stationId}/calls
//
// Station calls go through the broker like any module's would, so the
// station may be held by another router instance.
package api
