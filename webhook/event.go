package webhook

import (
	"time"

	"github.com/c360/ocpprouter/ocpp"
)

// EventType names what happened to a station
type EventType string

const (
	EventConnect     EventType = "connect"
	EventClose       EventType = "close"
	EventMessage     EventType = "message"
	EventSentMessage EventType = "sent_message"
)

// Event is the JSON body posted to subscribers
type Event struct {
	Type           EventType    `json:"type"`
	SubscriptionID string       `json:"subscriptionId,omitempty"`
	TenantID       string       `json:"tenantId"`
	StationID      string       `json:"stationId"`
	SessionIndex   uint64       `json:"sessionIndex"`
	Protocol       ocpp.Version `json:"protocol,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Message        string       `json:"message,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// IsMessage reports whether the event carries a frame
func (e Event) IsMessage() bool {
	return e.Type == EventMessage || e.Type == EventSentMessage
}
