package broker

import (
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/ocpprouter/ocpp"
)

// Header names carried on every broker message
const (
	HeaderRole        = "Ocpp-Role"
	HeaderTenant      = "Ocpp-Tenant"
	HeaderStation     = "Ocpp-Station"
	HeaderAction      = "Ocpp-Action"
	HeaderVersion     = "Ocpp-Version"
	HeaderCorrelation = "Ocpp-Correlation"
	HeaderSession     = "Ocpp-Session"
	HeaderReplyTo     = "Ocpp-Reply-To"
	HeaderTimestamp   = "Ocpp-Timestamp"
	HeaderTimeoutMs   = "Ocpp-Timeout-Ms"
)

// Subjects builds broker subjects under one prefix
type Subjects struct {
	Prefix string
}

// Module is the subject a module consumes inbound station Calls on
func (s Subjects) Module(module string) string {
	return s.Prefix + ".module." + Token(module)
}

// Station is the subject the router instance holding a station consumes
// module-originated Calls on
func (s Subjects) Station(tenantID, stationID string) string {
	return s.Prefix + ".station." + Token(tenantID) + "." + Token(stationID)
}

// Reply is the per-instance reply subject
func (s Subjects) Reply(instanceID string) string {
	return s.Prefix + ".reply." + Token(instanceID)
}

// Token makes s safe to use as a single subject token
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Envelope describes who a message is about
type Envelope struct {
	Role        string
	TenantID    string
	StationID   string
	Action      string
	Version     ocpp.Version
	Correlation string
	Session     uint64
	ReplyTo     string
	Timeout     time.Duration
}

// Header renders the envelope as NATS headers, skipping empty fields
func (e Envelope) Header() nats.Header {
	h := nats.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(HeaderRole, e.Role)
	set(HeaderTenant, e.TenantID)
	set(HeaderStation, e.StationID)
	set(HeaderAction, e.Action)
	set(HeaderVersion, string(e.Version))
	set(HeaderCorrelation, e.Correlation)
	set(HeaderReplyTo, e.ReplyTo)
	if e.Session != 0 {
		h.Set(HeaderSession, strconv.FormatUint(e.Session, 10))
	}
	h.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
	if e.Timeout > 0 {
		h.Set(HeaderTimeoutMs, formatMillis(e.Timeout))
	}
	return h
}

// EnvelopeFrom reads the envelope back from message headers
func EnvelopeFrom(msg *nats.Msg) Envelope {
	if msg == nil || msg.Header == nil {
		return Envelope{}
	}
	h := msg.Header
	return Envelope{
		Role:        h.Get(HeaderRole),
		TenantID:    h.Get(HeaderTenant),
		StationID:   h.Get(HeaderStation),
		Action:      h.Get(HeaderAction),
		Version:     ocpp.Version(h.Get(HeaderVersion)),
		Correlation: h.Get(HeaderCorrelation),
		Session:     parseSession(h.Get(HeaderSession)),
		ReplyTo:     h.Get(HeaderReplyTo),
		Timeout:     parseMillis(h.Get(HeaderTimeoutMs)),
	}
}

// Filter is a set of header values a message must carry to be delivered
type Filter map[string]string

// Match reports whether every filter header is present with the same value
func (f Filter) Match(h nats.Header) bool {
	for k, v := range f {
		if h == nil || h.Get(k) != v {
			return false
		}
	}
	return true
}

func parseSession(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
