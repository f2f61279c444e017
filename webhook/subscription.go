package webhook

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/c360/ocpprouter/errors"
)

// Wildcard matches every station of a tenant
const Wildcard = "*"

// Subscription registers a URL for station lifecycle and message events
type Subscription struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenantId"`
	StationID          string    `json:"stationId"`
	URL                string    `json:"url"`
	OnConnect          bool      `json:"onConnect"`
	OnClose            bool      `json:"onClose"`
	OnMessage          bool      `json:"onMessage"`
	SentMessage        bool      `json:"sentMessage"`
	MessageRegexFilter string    `json:"messageRegexFilter,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Validate checks the fields a subscription needs to be deliverable
func (s Subscription) Validate() error {
	if s.ID == "" {
		return invalid("id is required")
	}
	if s.TenantID == "" {
		return invalid("tenantId is required")
	}
	if s.StationID == "" {
		return invalid("stationId is required, use %q for all stations", Wildcard)
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("url %q must be an absolute http(s) URL", s.URL)
	}
	if !s.OnConnect && !s.OnClose && !s.OnMessage && !s.SentMessage {
		return invalid("at least one event flag must be set")
	}
	if s.MessageRegexFilter != "" {
		if _, err := regexp.Compile(s.MessageRegexFilter); err != nil {
			return invalid("messageRegexFilter: %v", err)
		}
	}
	return nil
}

// wants reports whether the subscription asked for events of type t
func (s Subscription) wants(t EventType) bool {
	switch t {
	case EventConnect:
		return s.OnConnect
	case EventClose:
		return s.OnClose
	case EventMessage:
		return s.OnMessage
	case EventSentMessage:
		return s.SentMessage
	}
	return false
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidData}, args...)...),
		"Subscription", "Validate", "validate subscription")
}
