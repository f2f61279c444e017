// Package security provides the TLS and OCPP security-profile configuration types
package security

import "fmt"

// OCPP security profiles as defined by the OCPP security whitepaper. Profile 0
// is the unsecured development mode.
const (
	ProfileNone        = 0 // plain ws://, no station credentials
	ProfileBasic       = 1 // plain ws://, HTTP Basic credentials
	ProfileTLSBasic    = 2 // wss://, HTTP Basic credentials
	ProfileTLSClientCA = 3 // wss:// with client certificates
)

// Config holds platform-wide security configuration
type Config struct {
	Profile int       `json:"profile" yaml:"profile"`
	TLS     TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig holds TLS configuration for HTTP/WebSocket servers and clients
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerMTLSConfig holds mTLS configuration for servers (client certificate validation)
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig holds TLS configuration for the station-facing and management servers
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"

	MTLS ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ClientMTLSConfig holds the certificate a client presents
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// ClientTLSConfig holds TLS configuration for outbound clients (NATS, webhooks).
// The system CA bundle is always trusted; CAFiles are added to it.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	MTLS ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// RequiresTLS reports whether the profile mandates wss://
func (c Config) RequiresTLS() bool {
	return c.Profile >= ProfileTLSBasic
}

// RequiresBasicAuth reports whether stations must present HTTP Basic credentials
func (c Config) RequiresBasicAuth() bool {
	return c.Profile == ProfileBasic || c.Profile == ProfileTLSBasic
}

// RequiresClientCert reports whether stations authenticate with a certificate
func (c Config) RequiresClientCert() bool {
	return c.Profile == ProfileTLSClientCA
}

// Validate checks that the TLS settings satisfy the selected profile
func (c Config) Validate() error {
	if c.Profile < ProfileNone || c.Profile > ProfileTLSClientCA {
		return fmt.Errorf("security profile %d out of range 0-3", c.Profile)
	}
	if c.RequiresTLS() {
		if !c.TLS.Server.Enabled {
			return fmt.Errorf("security profile %d requires tls.server.enabled", c.Profile)
		}
		if c.TLS.Server.CertFile == "" || c.TLS.Server.KeyFile == "" {
			return fmt.Errorf("security profile %d requires cert_file and key_file", c.Profile)
		}
	}
	if c.RequiresClientCert() {
		m := c.TLS.Server.MTLS
		if !m.Enabled || !m.RequireClientCert || len(m.ClientCAFiles) == 0 {
			return fmt.Errorf("security profile 3 requires mtls with require_client_cert and client_ca_files")
		}
	}
	return nil
}
