package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/ocpprouter/errors"
)

// MessageType is the first element of every OCPP-J frame
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// String returns the frame kind name used in logs and metric labels
func (t MessageType) String() string {
	switch t {
	case CallType:
		return "call"
	case CallResultType:
		return "call_result"
	case CallErrorType:
		return "call_error"
	default:
		return "unknown"
	}
}

// MaxUniqueIDLength is the longest uniqueId OCPP-J permits
const MaxUniqueIDLength = 36

var emptyObject = json.RawMessage(`{}`)

// Message is a decoded OCPP-J frame: *Call, *CallResult or *CallError
type Message interface {
	Type() MessageType
	ID() string
}

// Call is a request frame
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

func (*Call) Type() MessageType { return CallType }
func (c *Call) ID() string      { return c.UniqueID }

// CallResult is a success reply
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

func (*CallResult) Type() MessageType { return CallResultType }
func (r *CallResult) ID() string      { return r.UniqueID }

// CallError is an error reply. It implements error so handlers can return one
// and have it written to the wire unchanged.
type CallError struct {
	UniqueID         string
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (*CallError) Type() MessageType { return CallErrorType }
func (e *CallError) ID() string      { return e.UniqueID }

func (e *CallError) Error() string {
	if e.ErrorDescription == "" {
		return "ocpp call error: " + e.ErrorCode
	}
	return fmt.Sprintf("ocpp call error: %s: %s", e.ErrorCode, e.ErrorDescription)
}

// NewCallError builds a CallError with empty details
func NewCallError(uniqueID, code, description string) *CallError {
	return &CallError{UniqueID: uniqueID, ErrorCode: code, ErrorDescription: description}
}

// ProtocolError reports a frame that could not be decoded. UniqueID is set
// when the second element was a usable id.
type ProtocolError struct {
	UniqueID string
	Reason   string
	// UnsupportedType is set when the frame was well formed apart from an
	// unknown MessageTypeId.
	UnsupportedType bool
}

func (e *ProtocolError) Error() string {
	if e.UniqueID == "" {
		return "malformed OCPP-J frame: " + e.Reason
	}
	return fmt.Sprintf("malformed OCPP-J frame %q: %s", e.UniqueID, e.Reason)
}

// Unwrap lets errors.Is match errors.ErrProtocol
func (e *ProtocolError) Unwrap() error { return errors.ErrProtocol }

// Decode parses one OCPP-J frame
func Decode(raw []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, &ProtocolError{Reason: "not a JSON array"}
	}
	if len(elems) < 2 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected at least 3 elements, got %d", len(elems))}
	}

	id, idErr := decodeUniqueID(elems[1])
	fail := func(format string, args ...any) (Message, error) {
		return nil, &ProtocolError{UniqueID: id, Reason: fmt.Sprintf(format, args...)}
	}
	if idErr != "" {
		id = ""
		return fail("%s", idErr)
	}

	var typeID int
	if err := json.Unmarshal(elems[0], &typeID); err != nil {
		return fail("message type id is not an integer")
	}

	switch MessageType(typeID) {
	case CallType:
		if len(elems) != 4 {
			return fail("call must have 4 elements, got %d", len(elems))
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return fail("action must be a non-empty string")
		}
		payload, ok := objectPayload(elems[3])
		if !ok {
			return fail("call payload must be a JSON object")
		}
		return &Call{UniqueID: id, Action: action, Payload: payload}, nil

	case CallResultType:
		if len(elems) != 3 {
			return fail("call result must have 3 elements, got %d", len(elems))
		}
		payload, ok := objectPayload(elems[2])
		if !ok {
			return fail("call result payload must be a JSON object")
		}
		return &CallResult{UniqueID: id, Payload: payload}, nil

	case CallErrorType:
		if len(elems) != 4 && len(elems) != 5 {
			return fail("call error must have 5 elements, got %d", len(elems))
		}
		ce := &CallError{UniqueID: id, ErrorDetails: emptyObject}
		if err := json.Unmarshal(elems[2], &ce.ErrorCode); err != nil || ce.ErrorCode == "" {
			return fail("error code must be a non-empty string")
		}
		if err := json.Unmarshal(elems[3], &ce.ErrorDescription); err != nil {
			return fail("error description must be a string")
		}
		if len(elems) == 5 {
			details, ok := objectPayload(elems[4])
			if !ok {
				return fail("error details must be a JSON object")
			}
			ce.ErrorDetails = details
		}
		return ce, nil

	default:
		return nil, &ProtocolError{
			UniqueID:        id,
			Reason:          fmt.Sprintf("unsupported message type id %d", typeID),
			UnsupportedType: true,
		}
	}
}

func decodeUniqueID(raw json.RawMessage) (string, string) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", "unique id must be a string"
	}
	if id == "" {
		return "", "unique id is empty"
	}
	if len(id) > MaxUniqueIDLength {
		return id, fmt.Sprintf("unique id exceeds %d characters", MaxUniqueIDLength)
	}
	return id, ""
}

func objectPayload(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// Encode serializes a frame. A nil payload or nil error details encode as {}.
func Encode(msg Message) ([]byte, error) {
	var arr []any
	switch m := msg.(type) {
	case *Call:
		if m.Action == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "ocpp", "Encode", "encode call without action")
		}
		arr = []any{CallType, m.UniqueID, m.Action, orEmpty(m.Payload)}
	case *CallResult:
		arr = []any{CallResultType, m.UniqueID, orEmpty(m.Payload)}
	case *CallError:
		arr = []any{CallErrorType, m.UniqueID, m.ErrorCode, m.ErrorDescription, orEmpty(m.ErrorDetails)}
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ocpp", "Encode", fmt.Sprintf("encode %T", msg))
	}
	if msg.ID() == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ocpp", "Encode", "encode frame without unique id")
	}
	return json.Marshal(arr)
}

func orEmpty(p json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(p)) == 0 || bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		return emptyObject
	}
	return p
}

// MarshalPayload converts a handler result to a raw payload
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		return orEmpty(p), nil
	case []byte:
		return orEmpty(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ocpp", "MarshalPayload", "marshal payload")
	}
	return data, nil
}
