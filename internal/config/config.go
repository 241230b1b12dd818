// Package config loads the ad-unlock configuration file.
//
// The file is TOML. Missing keys take the values in the default struct tags;
// durations are written as Go duration strings ("30s", "1h").
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/hashicorp/go-hclog"
	"github.com/pelletier/go-toml"
	"golang.org/x/time/rate"

	"github.com/isometry/ad-unlock/internal/ldap"
)

// Config is the complete service configuration.
type Config struct {
	// Listen is the HTTP listen address for the serve command.
	Listen string `toml:"listen" default:"127.0.0.1:8000"`

	// LogLevel is one of trace, debug, info, warn, error or off.
	LogLevel string `toml:"log_level" default:"info"`

	Session   SessionConfig   `toml:"session"`
	LDAP      LDAPConfig      `toml:"ldap"`
	Lockout   LockoutConfig   `toml:"lockout"`
	Directory DirectoryConfig `toml:"directory"`
}

// SessionConfig controls the HTTP session store.
type SessionConfig struct {
	TTL             string `toml:"ttl" default:"1h"`
	CleanupInterval string `toml:"cleanup_interval" default:"5m"`
	CookieSecure    bool   `toml:"cookie_secure"`

	// RateLimit is the sustained directory operations per second allowed to
	// one session, or "inf" for no limit. RateBurst operations may run back to back.
	RateLimit string `toml:"rate_limit" default:"5"`
	RateBurst int    `toml:"rate_burst" default:"10"`
}

// LDAPConfig holds transport settings applied to every directory connection.
type LDAPConfig struct {
	ConnectTimeout   string `toml:"connect_timeout" default:"10s"`
	OperationTimeout string `toml:"operation_timeout" default:"30s"`

	StartTLS      bool   `toml:"start_tls"`
	SkipTLSVerify bool   `toml:"skip_tls_verify"`
	CACertFile    string `toml:"ca_cert_file"`

	MaxRetries     int    `toml:"max_retries"`
	InitialBackoff string `toml:"initial_backoff" default:"500ms"`
	MaxBackoff     string `toml:"max_backoff" default:"5s"`

	Pool     PoolConfig     `toml:"pool"`
	Kerberos KerberosConfig `toml:"kerberos"`
}

// PoolConfig enables reuse of bound connections between operations.
type PoolConfig struct {
	Enabled        bool   `toml:"enabled"`
	MaxConnections int    `toml:"max_connections" default:"4"`
	MaxIdleTime    string `toml:"max_idle_time" default:"2m"`
	HealthCheck    string `toml:"health_check" default:"30s"`
}

// KerberosConfig switches binds to GSSAPI when Realm is set.
type KerberosConfig struct {
	Realm  string `toml:"realm"`
	Keytab string `toml:"keytab"`
	Config string `toml:"config"`
	SPN    string `toml:"spn"`
}

// LockoutConfig selects how the two lockout signals are reconciled.
type LockoutConfig struct {
	Policy string `toml:"policy" default:"either"`
}

// DirectoryConfig is an optional preset directory for the CLI commands. The
// bind password is normally supplied through the environment instead.
type DirectoryConfig struct {
	Server       string `toml:"server"`
	BaseDN       string `toml:"base_dn"`
	BindUser     string `toml:"bind_user"`
	BindPassword string `toml:"bind_password"`
}

// Default returns a Config holding only default values.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return cfg, nil
}

// Load reads the TOML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes TOML data and fills unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.LockoutPolicy(); err != nil {
		errs = append(errs, err)
	}

	if _, _, err := c.SessionTimings(); err != nil {
		errs = append(errs, err)
	}

	if _, _, err := c.SessionRateLimit(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.ConnectionConfig(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() (hclog.Level, error) {
	level := hclog.LevelFromString(c.LogLevel)
	if level == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// LockoutPolicy returns the configured reconciliation policy.
func (c *Config) LockoutPolicy() (ldap.LockoutPolicy, error) {
	policy, err := ldap.ParseLockoutPolicy(c.Lockout.Policy)
	if err != nil {
		return 0, fmt.Errorf("lockout.policy: %w", err)
	}
	return policy, nil
}

// SessionTimings returns the session TTL and sweep interval.
func (c *Config) SessionTimings() (ttl, cleanup time.Duration, err error) {
	var errs []error
	ttl = parseDuration("session.ttl", c.Session.TTL, &errs)
	cleanup = parseDuration("session.cleanup_interval", c.Session.CleanupInterval, &errs)

	if ttl <= 0 && len(errs) == 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}

	return ttl, cleanup, errors.Join(errs...)
}

// SessionRateLimit returns the per-session token bucket settings.
func (c *Config) SessionRateLimit() (rate.Limit, int, error) {
	if strings.EqualFold(c.Session.RateLimit, "inf") {
		return rate.Inf, 0, nil
	}

	perSecond, err := strconv.ParseFloat(c.Session.RateLimit, 64)
	if err != nil || perSecond <= 0 {
		return 0, 0, fmt.Errorf("session.rate_limit must be a positive number or \"inf\", got %q", c.Session.RateLimit)
	}
	if c.Session.RateBurst <= 0 {
		return 0, 0, errors.New("session.rate_burst must be positive")
	}

	return rate.Limit(perSecond), c.Session.RateBurst, nil
}

// ConnectionConfig builds the transport settings for ldap.NewDialer.
func (c *Config) ConnectionConfig() (*ldap.ConnectionConfig, error) {
	var errs []error
	conn := ldap.DefaultConfig()

	conn.Timeout = parseDuration("ldap.connect_timeout", c.LDAP.ConnectTimeout, &errs)
	conn.OperationTimeout = parseDuration("ldap.operation_timeout", c.LDAP.OperationTimeout, &errs)
	conn.StartTLS = c.LDAP.StartTLS

	conn.MaxRetries = c.LDAP.MaxRetries
	conn.InitialBackoff = parseDuration("ldap.initial_backoff", c.LDAP.InitialBackoff, &errs)
	conn.MaxBackoff = parseDuration("ldap.max_backoff", c.LDAP.MaxBackoff, &errs)

	conn.MaxConnections = c.LDAP.Pool.MaxConnections
	conn.MaxIdleTime = parseDuration("ldap.pool.max_idle_time", c.LDAP.Pool.MaxIdleTime, &errs)
	conn.HealthCheck = parseDuration("ldap.pool.health_check", c.LDAP.Pool.HealthCheck, &errs)

	conn.KerberosRealm = c.LDAP.Kerberos.Realm
	conn.KerberosKeytab = c.LDAP.Kerberos.Keytab
	conn.KerberosConfig = c.LDAP.Kerberos.Config
	conn.KerberosSPN = c.LDAP.Kerberos.SPN

	if err := c.applyTLS(conn.TLSConfig); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return conn, nil
}

// DirectoryPreset returns the [directory] table as an ldap.DirectoryConfig.
func (c *Config) DirectoryPreset() ldap.DirectoryConfig {
	return ldap.DirectoryConfig{
		Server:       c.Directory.Server,
		BaseDN:       c.Directory.BaseDN,
		BindDN:       c.Directory.BindUser,
		BindPassword: c.Directory.BindPassword,
	}
}

func (c *Config) applyTLS(tlsConfig *tls.Config) error {
	tlsConfig.InsecureSkipVerify = c.LDAP.SkipTLSVerify

	if c.LDAP.CACertFile == "" {
		return nil
	}

	pem, err := os.ReadFile(c.LDAP.CACertFile)
	if err != nil {
		return fmt.Errorf("ldap.ca_cert_file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("ldap.ca_cert_file: no certificates found in %s", c.LDAP.CACertFile)
	}
	tlsConfig.RootCAs = pool

	return nil
}

func parseDuration(key, value string, errs *[]error) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if d < 0 {
		*errs = append(*errs, fmt.Errorf("%s: must not be negative", key))
		return 0
	}
	return d
}
