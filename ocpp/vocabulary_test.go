package ocpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("OCPP1.6")
	require.NoError(t, err)
	assert.Equal(t, V16, v)

	v, err = ParseVersion("ocpp2.0.1")
	require.NoError(t, err)
	assert.Equal(t, V201, v)

	_, err = ParseVersion("ocpp2.1")
	assert.Error(t, err)
}

func TestIsKnownAction_PerVersion(t *testing.T) {
	assert.True(t, IsKnownAction(V16, "StartTransaction"))
	assert.False(t, IsKnownAction(V201, "StartTransaction"))
	assert.True(t, IsKnownAction(V201, "TransactionEvent"))
	assert.False(t, IsKnownAction(V16, "TransactionEvent"))
	assert.True(t, IsKnownAction(V16, "Heartbeat"))
	assert.True(t, IsKnownAction(V201, "Heartbeat"))
	assert.False(t, IsKnownAction(V16, "FlyToTheMoon"))
	assert.False(t, IsKnownAction(Version("x"), "Heartbeat"))
}

func TestActionDirection(t *testing.T) {
	assert.Equal(t, FromStation, ActionDirection(V201, "BootNotification"))
	assert.Equal(t, FromCSMS, ActionDirection(V201, "Reset"))
	assert.Equal(t, Both, ActionDirection(V16, "DataTransfer"))
	assert.Contains(t, Actions(V16, FromCSMS), "RemoteStartTransaction")
	assert.NotContains(t, Actions(V16, FromCSMS), "Heartbeat")
}

func TestErrorCodes(t *testing.T) {
	assert.True(t, IsKnownErrorCode(V16, "FormationViolation"))
	assert.False(t, IsKnownErrorCode(V16, "FormatViolation"))
	assert.True(t, IsKnownErrorCode(V201, "FormatViolation"))
	assert.True(t, IsKnownErrorCode(V201, "RpcFrameworkError"))

	assert.Equal(t, "FormationViolation", FormatViolationCode(V16))
	assert.Equal(t, "FormatViolation", FormatViolationCode(V201))

	assert.Equal(t, "OccurenceConstraintViolation", NormalizeErrorCode(V16, "OccurrenceConstraintViolation"))
	assert.Equal(t, "FormatViolation", NormalizeErrorCode(V201, "FormationViolation"))
	assert.Equal(t, "GenericError", NormalizeErrorCode(V16, "Bogus"))
	assert.Equal(t, "NotImplemented", NormalizeErrorCode(V16, "NotImplemented"))
}

func TestMessageContext(t *testing.T) {
	mc := NewMessageContext("abc", "t1", "CP001")
	assert.Equal(t, "abc", mc.CorrelationID)
	assert.False(t, mc.Time().IsZero())
	assert.True(t, MessageContext{}.Time().IsZero())
}
