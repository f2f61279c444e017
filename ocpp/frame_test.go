package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/errors"
)

func TestDecode_ValidFrames(t *testing.T) {
	msg, err := Decode([]byte(`[2,"abc","Heartbeat",{}]`))
	require.NoError(t, err)
	call, ok := msg.(*Call)
	require.True(t, ok)
	assert.Equal(t, "abc", call.UniqueID)
	assert.Equal(t, "Heartbeat", call.Action)
	assert.JSONEq(t, `{}`, string(call.Payload))

	msg, err = Decode([]byte(`[3, "abc", {"currentTime":"2024-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	res, ok := msg.(*CallResult)
	require.True(t, ok)
	assert.Equal(t, CallResultType, res.Type())
	assert.JSONEq(t, `{"currentTime":"2024-01-01T00:00:00Z"}`, string(res.Payload))

	msg, err = Decode([]byte(`[4,"abc","NotImplemented","no handler",{"x":1}]`))
	require.NoError(t, err)
	ce, ok := msg.(*CallError)
	require.True(t, ok)
	assert.Equal(t, "NotImplemented", ce.ErrorCode)
	assert.Equal(t, "no handler", ce.ErrorDescription)
	assert.JSONEq(t, `{"x":1}`, string(ce.ErrorDetails))
}

func TestDecode_CallErrorWithoutDetails(t *testing.T) {
	msg, err := Decode([]byte(`[4,"abc","GenericError",""]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(msg.(*CallError).ErrorDetails))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantID      string
		unsupported bool
	}{
		{"not json", `hello`, "", false},
		{"object", `{"a":1}`, "", false},
		{"too short", `[2]`, "", false},
		{"missing action and payload", `[2,"abc"]`, "abc", false},
		{"non numeric type", `["2","abc","Heartbeat",{}]`, "abc", false},
		{"numeric id", `[2,42,"Heartbeat",{}]`, "", false},
		{"empty id", `[2,"","Heartbeat",{}]`, "", false},
		{"id too long", `[2,"0123456789012345678901234567890123456789","Heartbeat",{}]`, "", false},
		{"empty action", `[2,"abc","",{}]`, "abc", false},
		{"array payload", `[2,"abc","Heartbeat",[]]`, "abc", false},
		{"result wrong arity", `[3,"abc"]`, "abc", false},
		{"result string payload", `[3,"abc","ok"]`, "abc", false},
		{"error missing code", `[4,"abc",1,"x",{}]`, "abc", false},
		{"unknown type", `[5,"abc",{}]`, "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantID, pe.UniqueID)
			assert.Equal(t, tt.unsupported, pe.UnsupportedType)
			assert.True(t, errors.Is(err, errors.ErrProtocol))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestEncode_Shapes(t *testing.T) {
	data, err := Encode(&CallResult{
		UniqueID: "abc",
		Payload:  json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `[3,"abc",{"currentTime":"2024-01-01T00:00:00Z"}]`, string(data))

	data, err = Encode(NewCallError("abc", ErrorFormationViolation, "missing action"))
	require.NoError(t, err)
	assert.Equal(t, `[4,"abc","FormationViolation","missing action",{}]`, string(data))

	data, err = Encode(&Call{UniqueID: "1", Action: "Reset"})
	require.NoError(t, err)
	assert.Equal(t, `[2,"1","Reset",{}]`, string(data))
}

func TestEncode_Invalid(t *testing.T) {
	_, err := Encode(&Call{UniqueID: "1"})
	assert.Error(t, err)

	_, err = Encode(&CallResult{})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	frames := []Message{
		&Call{UniqueID: "u-1", Action: "BootNotification", Payload: json.RawMessage(`{"reason":"PowerUp"}`)},
		&CallResult{UniqueID: "u-2", Payload: json.RawMessage(`{"status":"Accepted"}`)},
		&CallError{UniqueID: "u-3", ErrorCode: "InternalError", ErrorDescription: "boom", ErrorDetails: json.RawMessage(`{"k":"v"}`)},
	}

	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)

		back, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, f, back)
	}
}

func TestCallError_IsError(t *testing.T) {
	var err error = NewCallError("", ErrorNotSupported, "nope")
	assert.EqualError(t, err, "ocpp call error: NotSupported: nope")

	var ce *CallError
	assert.True(t, errors.As(err, &ce))
}

func TestMarshalPayload(t *testing.T) {
	p, err := MarshalPayload(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(p))

	p, err = MarshalPayload(map[string]string{"status": "Accepted"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(p))

	_, err = MarshalPayload(make(chan int))
	assert.Error(t, err)
}
