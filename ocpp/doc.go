// Package ocpp implements the OCPP-J framing used on station WebSockets.
//
// Three frame kinds travel as JSON arrays in UTF-8 text messages:
//
//	[2, "<uniqueId>", "<action>", {payload}]                       Call
//	[3, "<uniqueId>", {payload}]                                   CallResult
//	[4, "<uniqueId>", "<errorCode>", "<description>", {details}]   CallError
//
// Decode checks structure only. Payload schemas belong to the handlers, so
// payloads are carried as json.RawMessage. A frame that cannot be decoded
// yields a *ProtocolError carrying the uniqueId when one could be recovered,
// so the caller can answer with a CallError instead of dropping the frame.
//
// Action names and error codes differ between ocpp1.6 and ocpp2.0.1; the
// vocabulary helpers answer per Version.
package ocpp
