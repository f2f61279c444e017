package ocpp

import "time"

// MessageContext travels with every message through the router so modules
// can reply without resolving identity again.
type MessageContext struct {
	CorrelationID string `json:"correlationId"`
	TenantID      string `json:"tenantId"`
	StationID     string `json:"stationId"`
	Timestamp     string `json:"timestamp"`
}

// NewMessageContext stamps a context with the current UTC time
func NewMessageContext(correlationID, tenantID, stationID string) MessageContext {
	return MessageContext{
		CorrelationID: correlationID,
		TenantID:      tenantID,
		StationID:     stationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Time parses Timestamp, returning the zero time if it is unset or invalid
func (m MessageContext) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
