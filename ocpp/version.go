package ocpp

import (
	"fmt"
	"strings"
)

// Version is an OCPP-J WebSocket subprotocol
type Version string

const (
	V16  Version = "ocpp1.6"
	V201 Version = "ocpp2.0.1"
)

// SupportedVersions lists the subprotocols the router speaks, preferred first
func SupportedVersions() []Version {
	return []Version{V201, V16}
}

// ParseVersion accepts a subprotocol token, case-insensitively
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(V16):
		return V16, nil
	case string(V201):
		return V201, nil
	default:
		return "", fmt.Errorf("unsupported OCPP version %q", s)
	}
}

// String returns the subprotocol token
func (v Version) String() string { return string(v) }

// Valid reports whether v is a supported version
func (v Version) Valid() bool { return v == V16 || v == V201 }
