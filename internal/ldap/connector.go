package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Dialer opens a fresh bound connection for every Connect call.
type Dialer struct {
	config *ConnectionConfig
}

// NewDialer creates a Dialer. A nil config uses DefaultConfig.
func NewDialer(config *ConnectionConfig) (*Dialer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateDialConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Dialer{config: config}, nil
}

// Config returns the dialer's connection settings.
func (d *Dialer) Config() *ConnectionConfig {
	return d.config
}

// Connect dials the configured endpoint and binds as cfg's identity.
// Cancelling ctx closes the underlying socket until the connection is released.
func (d *Dialer) Connect(ctx context.Context, cfg DirectoryConfig) (Connection, error) {
	conn, server, stop, err := d.open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &boundConnection{
		ctx:    ctx,
		conn:   conn,
		server: server,
		stop:   stop,
	}, nil
}

// open dials and binds with retries, returning the raw connection and the
// cancellation hook guarding it.
func (d *Dialer) open(ctx context.Context, cfg DirectoryConfig) (*ldap.Conn, *ServerInfo, func() bool, error) {
	server, err := ParseLDAPURL(cfg.Server)
	if err != nil {
		return nil, nil, nil, NewConnectionError(cfg.Server, "dial", err)
	}

	fields := map[string]any{
		"server":      ServerInfoToURL(server),
		"bind_user":   cfg.BindDN,
		"auth_method": d.config.GetAuthMethod().String(),
	}
	LogConnectionEvent(ctx, "connection_attempt", fields)
	start := time.Now()

	var (
		conn *ldap.Conn
		stop func() bool
	)

	err = withRetry(ctx, d.config, func() error {
		c, dialErr := d.dial(ctx, server)
		if dialErr != nil {
			return dialErr
		}

		s := context.AfterFunc(ctx, func() {
			c.Close()
		})

		if bindErr := d.bind(c, server, cfg); bindErr != nil {
			s()
			c.Close()
			return bindErr
		}

		conn, stop = c, s
		return nil
	})

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		if IsAuthenticationError(err) {
			LogConnectionEvent(ctx, "authentication_failed", fields)
		} else {
			LogConnectionEvent(ctx, "connection_failed", fields)
		}
		return nil, nil, nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		stop()
		conn.Close()
		return nil, nil, nil, NewConnectionError(cfg.Server, "bind", ctxErr)
	}

	LogConnectionEvent(ctx, "connection_established", fields)
	return conn, server, stop, nil
}

// dial opens the transport, upgrading with StartTLS when configured.
func (d *Dialer) dial(ctx context.Context, server *ServerInfo) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)

	netDialer := &net.Dialer{Timeout: d.config.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		netDialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(netDialer)}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(d.tlsConfig(server)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, NewConnectionError(url, "dial", err)
	}

	if d.config.OperationTimeout > 0 {
		conn.SetTimeout(d.config.OperationTimeout)
	}

	if !server.UseTLS && d.config.StartTLS {
		if err := conn.StartTLS(d.tlsConfig(server)); err != nil {
			conn.Close()
			return nil, NewConnectionError(url, "starttls", err)
		}
	}

	return conn, nil
}

// bind authenticates conn as cfg's identity.
func (d *Dialer) bind(conn *ldap.Conn, server *ServerInfo, cfg DirectoryConfig) error {
	var err error

	switch d.config.GetAuthMethod() {
	case AuthMethodKerberos:
		err = performKerberosAuth(conn, d.config, cfg, server)
	default:
		err = conn.Bind(cfg.BindDN, cfg.BindPassword)
	}

	if err != nil {
		return NewConnectionError(ServerInfoToURL(server), "bind", err)
	}

	return nil
}

// tlsConfig returns the configured TLS settings with ServerName set for server.
func (d *Dialer) tlsConfig(server *ServerInfo) *tls.Config {
	var tlsConfig *tls.Config
	if d.config.TLSConfig != nil {
		tlsConfig = d.config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}

	return tlsConfig
}

// boundConnection is a Connection scoped to one logical operation.
type boundConnection struct {
	ctx    context.Context
	conn   *ldap.Conn
	server *ServerInfo
	stop   func() bool

	// release hands a still-healthy connection back to its pool instead of unbinding.
	release func(*ldap.Conn)

	once sync.Once
}

func (c *boundConnection) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	result, err := c.conn.Search(req)
	return result, c.interrupted(err)
}

func (c *boundConnection) Modify(req *ldap.ModifyRequest) error {
	return c.interrupted(c.conn.Modify(req))
}

func (c *boundConnection) Close() error {
	c.once.Do(func() {
		cancelled := !c.stop()

		fields := map[string]any{"server": ServerInfoToURL(c.server)}

		if c.release != nil && !cancelled && !c.conn.IsClosing() {
			c.release(c.conn)
			LogConnectionEvent(c.ctx, "connection_released", fields)
			return
		}

		if !cancelled {
			_ = c.conn.Unbind()
		}
		c.conn.Close()

		if cancelled {
			LogConnectionEvent(c.ctx, "connection_cancelled", fields)
		} else {
			LogConnectionEvent(c.ctx, "connection_closed", fields)
		}
	})

	return nil
}

// interrupted attributes an I/O failure to cancellation when the caller's context is done.
func (c *boundConnection) interrupted(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := c.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// WithConnection opens a connection, runs fn, and releases the connection on
// every exit path including panics.
func WithConnection(ctx context.Context, connector Connector, cfg DirectoryConfig, fn func(Connection) error) error {
	conn, err := connector.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(conn)
}

// TestBind opens and immediately releases a connection. Any failure is
// reported as ok=false with a single detail string.
func TestBind(ctx context.Context, connector Connector, cfg DirectoryConfig) (ok bool, detail string) {
	if err := cfg.Validate(); err != nil {
		return false, err.Error()
	}

	err := WithConnection(ctx, connector, cfg, func(Connection) error {
		return nil
	})
	if err != nil {
		return false, err.Error()
	}

	return true, "connection successful"
}

// withRetry runs operation, retrying retryable failures with exponential backoff.
func withRetry(ctx context.Context, config *ConnectionConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, Subsystem, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				tflog.SubsystemInfo(ctx, Subsystem, "Operation succeeded after retries", map[string]any{
					"total_attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) || ctx.Err() != nil {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			tflog.SubsystemWarn(ctx, Subsystem, "Operation cancelled during retry", map[string]any{
				"context_error": ctx.Err().Error(),
				"attempt":       attempt + 1,
			})
			return lastErr
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*config.BackoffFactor), config.MaxBackoff)
		}
	}

	return lastErr
}

// validateDialConfig validates the settings every Connector relies on.
func validateDialConfig(config *ConnectionConfig) error {
	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.OperationTimeout < 0 {
		return errors.New("operation timeout cannot be negative")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.MaxRetries > 0 && config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}
