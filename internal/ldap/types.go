package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DefaultConnectTimeout bounds how long dialing a directory server may block.
const DefaultConnectTimeout = 10 * time.Second

// DirectoryConfig is the operator-supplied directory endpoint and bind identity.
// It is passed by value into every operation and never retained by this package.
type DirectoryConfig struct {
	Server       string `json:"server"`    // ldap:// or ldaps:// endpoint URI
	BaseDN       string `json:"base_dn"`   // Search base for account lookups
	BindDN       string `json:"bind_user"` // Bind identity (DN, UPN, or principal name)
	BindPassword string `json:"-"`         // Bind password, never serialized
}

// Validate checks that the configuration is complete and well formed.
func (c DirectoryConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server) == "" {
		errs = append(errs, errors.New("server is required"))
	} else if _, err := ParseLDAPURL(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("invalid server %q: %w", c.Server, err))
	}

	if strings.TrimSpace(c.BaseDN) == "" {
		errs = append(errs, errors.New("base DN is required"))
	} else if _, err := ldap.ParseDN(c.BaseDN); err != nil {
		errs = append(errs, fmt.Errorf("invalid base DN %q: %w", c.BaseDN, err))
	}

	if strings.TrimSpace(c.BindDN) == "" {
		errs = append(errs, errors.New("bind user is required"))
	}

	if c.BindPassword == "" {
		errs = append(errs, errors.New("bind password is required"))
	}

	return errors.Join(errs...)
}

// ConnectionConfig holds transport settings shared by every connection a Connector opens.
type ConnectionConfig struct {
	// Timeouts
	Timeout          time.Duration // Connect timeout
	OperationTimeout time.Duration // Per-request deadline for bind, search and modify

	// TLS settings
	TLSConfig *tls.Config // TLS configuration for ldaps:// and StartTLS
	StartTLS  bool        // Upgrade ldap:// connections with StartTLS

	// Kerberos settings; a realm switches binds from simple to GSSAPI
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// Pool settings, only used by Pool
	MaxConnections int           // Maximum idle connections kept per bind identity
	MaxIdleTime    time.Duration // Maximum idle time before a pooled connection is dropped
	HealthCheck    time.Duration // Idle eviction interval

	// Retry settings for connection establishment
	MaxRetries     int           // Maximum retry attempts, 0 disables retries
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Backoff multiplication factor
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:          DefaultConnectTimeout,
		OperationTimeout: 30 * time.Second,
		MaxConnections:   4,
		MaxIdleTime:      2 * time.Minute,
		HealthCheck:      30 * time.Second,
		MaxRetries:       0,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		BackoffFactor:    2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Certificate validation enabled by default
			InsecureSkipVerify: false,
		},
	}
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // Bind DN/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" {
		return AuthMethodKerberos
	}
	return AuthMethodSimpleBind
}

// ServerInfo contains information about an LDAP server endpoint.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// Connection is a bound directory connection good for one logical operation.
type Connection interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Modify(req *ldap.ModifyRequest) error

	// Close unbinds and releases the connection. It is safe to call more than once.
	Close() error
}

// Connector opens bound connections for a DirectoryConfig.
type Connector interface {
	Connect(ctx context.Context, cfg DirectoryConfig) (Connection, error)
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}
