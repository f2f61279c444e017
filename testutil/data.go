package testutil

import "github.com/c360/ocpprouter/ocpp"

// MalformedFrame is a frame a station might send that the router must answer
// with a CallError while keeping the connection open.
type MalformedFrame struct {
	Name     string
	Frame    string
	UniqueID string
	Code16   string
	Code201  string
}

// MalformedFrames lists malformed frames whose unique id is still readable.
var MalformedFrames = []MalformedFrame{
	{
		Name:     "missing action and payload",
		Frame:    `[2,"mf-1"]`,
		UniqueID: "mf-1",
		Code16:   ocpp.ErrorFormationViolation,
		Code201:  ocpp.ErrorFormatViolation,
	},
	{
		Name:     "array payload",
		Frame:    `[2,"mf-2","Heartbeat",[]]`,
		UniqueID: "mf-2",
		Code16:   ocpp.ErrorFormationViolation,
		Code201:  ocpp.ErrorFormatViolation,
	},
	{
		Name:     "empty action",
		Frame:    `[2,"mf-3","",{}]`,
		UniqueID: "mf-3",
		Code16:   ocpp.ErrorFormationViolation,
		Code201:  ocpp.ErrorFormatViolation,
	},
	{
		Name:     "unknown message type",
		Frame:    `[7,"mf-4",{}]`,
		UniqueID: "mf-4",
		Code16:   ocpp.ErrorFormationViolation,
		Code201:  ocpp.ErrorMessageTypeNotSupported,
	},
}

// UnreadableFrames cannot be answered because no unique id can be recovered.
var UnreadableFrames = []string{
	`not json`,
	`{"messageTypeId":2}`,
	`[2]`,
	`[2,42,"Heartbeat",{}]`,
}

// Sample request payloads keyed by action, valid for OCPP 1.6.
var Payloads16 = map[string]string{
	"BootNotification":   `{"chargePointVendor":"Acme","chargePointModel":"X1"}`,
	"Heartbeat":          `{}`,
	"StatusNotification": `{"connectorId":1,"errorCode":"NoError","status":"Available"}`,
	"Authorize":          `{"idTag":"TAG-1"}`,
	"Reset":              `{"type":"Soft"}`,
}

// Sample request payloads keyed by action, valid for OCPP 2.0.1.
var Payloads201 = map[string]string{
	"BootNotification":   `{"reason":"PowerUp","chargingStation":{"model":"X1","vendorName":"Acme"}}`,
	"Heartbeat":          `{}`,
	"StatusNotification": `{"timestamp":"2024-01-01T00:00:00Z","connectorStatus":"Available","evseId":1,"connectorId":1}`,
	"Authorize":          `{"idToken":{"idToken":"TAG-1","type":"ISO14443"}}`,
	"Reset":              `{"type":"Immediate"}`,
}
