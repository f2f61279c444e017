package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

// CallRequest is the body of a Call carried over the broker, either a
// station Call dispatched to a module or a module Call aimed at a station
type CallRequest struct {
	Action    string              `json:"action"`
	Payload   json.RawMessage     `json:"payload"`
	TimeoutMs int64               `json:"timeoutMs,omitempty"`
	Context   ocpp.MessageContext `json:"context"`
}

// Timeout returns the requested timeout, zero when unset
func (r CallRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Reply kinds
const (
	KindCallError         = "call_error"
	KindCallInProgress    = "call_in_progress"
	KindTimeout           = "timeout"
	KindConnectionClosed  = "connection_closed"
	KindNotConnected      = "not_connected"
	KindBrokerUnavailable = "broker_unavailable"
	KindNotImplemented    = "not_implemented"
	KindShuttingDown      = "shutting_down"
	KindInternal          = "internal"
)

// Reply is the body of a reply message
type Reply struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ReplyError     `json:"error,omitempty"`
}

// ReplyError describes a failed call
type ReplyError struct {
	Kind        string          `json:"kind"`
	Code        string          `json:"code,omitempty"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// ReplyFromError classifies err into a reply
func ReplyFromError(err error) Reply {
	var callErr *ocpp.CallError
	if errors.As(err, &callErr) {
		return Reply{Error: &ReplyError{
			Kind:        KindCallError,
			Code:        callErr.ErrorCode,
			Description: callErr.ErrorDescription,
			Details:     callErr.ErrorDetails,
		}}
	}

	kind := KindInternal
	switch {
	case errors.Is(err, errors.ErrCallInProgress):
		kind = KindCallInProgress
	case errors.Is(err, errors.ErrCallTimeout):
		kind = KindTimeout
	case errors.Is(err, errors.ErrConnectionClosed):
		kind = KindConnectionClosed
	case errors.Is(err, errors.ErrStationNotConnected):
		kind = KindNotConnected
	case errors.Is(err, errors.ErrBrokerUnavailable):
		kind = KindBrokerUnavailable
	case errors.Is(err, errors.ErrNotImplemented):
		kind = KindNotImplemented
	case errors.Is(err, errors.ErrShuttingDown):
		kind = KindShuttingDown
	}
	return Reply{Error: &ReplyError{Kind: kind, Description: err.Error()}}
}

// Err maps the reply back to an error; nil on success
func (r Reply) Err() error {
	if r.Error == nil {
		return nil
	}
	e := r.Error
	var base error
	switch e.Kind {
	case KindCallError:
		return &ocpp.CallError{ErrorCode: e.Code, ErrorDescription: e.Description, ErrorDetails: e.Details}
	case KindCallInProgress:
		base = errors.ErrCallInProgress
	case KindTimeout:
		base = errors.ErrCallTimeout
	case KindConnectionClosed:
		base = errors.ErrConnectionClosed
	case KindNotConnected:
		base = errors.ErrStationNotConnected
	case KindBrokerUnavailable:
		base = errors.ErrBrokerUnavailable
	case KindNotImplemented:
		base = errors.ErrNotImplemented
	case KindShuttingDown:
		base = errors.ErrShuttingDown
	default:
		return fmt.Errorf("remote error: %s", e.Description)
	}
	if e.Description == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, e.Description)
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func parseMillis(s string) time.Duration {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
