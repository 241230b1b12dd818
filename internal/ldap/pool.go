package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MaxConnectionPoolLimit is the maximum number of idle connections kept per bind identity.
const MaxConnectionPoolLimit = 100

// PoolStats contains connection pool statistics.
type PoolStats struct {
	Idle    int           // Connections currently parked
	Created int64         // Connections opened
	Reused  int64         // Checkouts served from an idle connection
	Evicted int64         // Idle connections dropped
	Uptime  time.Duration // Time since pool creation
}

// Pool is a Connector that keeps a bounded number of idle connections per
// endpoint and bind identity. Every checkout re-binds with the caller's
// credentials, so a pooled connection is never used under a stale bind.
type Pool struct {
	ctx    context.Context // Logging context for background eviction
	dialer *Dialer
	config *ConnectionConfig

	mu     sync.Mutex
	idle   map[string][]*idleConn
	closed bool

	created   int64
	reused    int64
	evicted   int64
	startTime time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

type idleConn struct {
	conn   *ldap.Conn
	server *ServerInfo
	since  time.Time
}

// NewPool creates a pool on top of dialer.
func NewPool(ctx context.Context, dialer *Dialer) (*Pool, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}

	config := dialer.Config()
	if err := validatePoolConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &Pool{
		ctx:        ctx,
		dialer:     dialer,
		config:     config,
		idle:       make(map[string][]*idleConn),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Connection pool created", map[string]any{
		"max_connections": config.MaxConnections,
		"max_idle_time":   config.MaxIdleTime.String(),
	})

	return pool, nil
}

// Connect checks out an idle connection for cfg, re-binding it, or opens a new one.
func (p *Pool) Connect(ctx context.Context, cfg DirectoryConfig) (Connection, error) {
	key := poolKey(cfg)

	for {
		ic, err := p.take(key)
		if err != nil {
			return nil, err
		}
		if ic == nil {
			break
		}

		stop := context.AfterFunc(ctx, func() {
			ic.conn.Close()
		})

		if bindErr := p.dialer.bind(ic.conn, ic.server, cfg); bindErr != nil {
			stop()
			ic.conn.Close()
			// A rejected bind is the caller's problem, not the connection's.
			if IsAuthenticationError(bindErr) {
				return nil, bindErr
			}
			continue
		}

		atomic.AddInt64(&p.reused, 1)
		LogConnectionEvent(ctx, "connection_reused", map[string]any{
			"server":    ServerInfoToURL(ic.server),
			"bind_user": cfg.BindDN,
		})

		return p.wrap(ctx, key, ic.conn, ic.server, stop), nil
	}

	conn, server, stop, err := p.dialer.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&p.created, 1)

	return p.wrap(ctx, key, conn, server, stop), nil
}

func (p *Pool) wrap(ctx context.Context, key string, conn *ldap.Conn, server *ServerInfo, stop func() bool) *boundConnection {
	return &boundConnection{
		ctx:    ctx,
		conn:   conn,
		server: server,
		stop:   stop,
		release: func(c *ldap.Conn) {
			p.put(key, &idleConn{conn: c, server: server, since: time.Now()})
		},
	}
}

// take pops the most recently parked live connection for key.
func (p *Pool) take(key string) (*idleConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("connection pool is closed")
	}

	conns := p.idle[key]
	for len(conns) > 0 {
		ic := conns[len(conns)-1]
		conns = conns[:len(conns)-1]

		if p.isExpired(ic) {
			p.evict(ic)
			continue
		}

		p.idle[key] = conns
		return ic, nil
	}

	delete(p.idle, key)
	return nil, nil
}

// put parks a connection, closing it if the pool is closed or full.
func (p *Pool) put(key string, ic *idleConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle[key]) >= p.config.MaxConnections {
		ic.conn.Close()
		return
	}

	p.idle[key] = append(p.idle[key], ic)
}

func (p *Pool) isExpired(ic *idleConn) bool {
	return ic.conn.IsClosing() || time.Since(ic.since) > p.config.MaxIdleTime
}

func (p *Pool) evict(ic *idleConn) {
	ic.conn.Close()
	atomic.AddInt64(&p.evicted, 1)
}

// Close closes all idle connections and stops background eviction.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for key, conns := range p.idle {
		for _, ic := range conns {
			ic.conn.Close()
		}
		delete(p.idle, key)
	}
	p.mu.Unlock()

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	p.mu.Unlock()

	return PoolStats{
		Idle:    idle,
		Created: atomic.LoadInt64(&p.created),
		Reused:  atomic.LoadInt64(&p.reused),
		Evicted: atomic.LoadInt64(&p.evicted),
		Uptime:  time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic idle eviction.
func (p *Pool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.evictExpired()
			case <-p.healthStop:
				return
			}
		}
	})
}

// evictExpired drops idle connections past MaxIdleTime or closed by the server.
func (p *Pool) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for key, conns := range p.idle {
		kept := conns[:0]
		for _, ic := range conns {
			if p.isExpired(ic) {
				p.evict(ic)
				dropped++
				continue
			}
			kept = append(kept, ic)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}

	if dropped > 0 {
		LogConnectionEvent(p.ctx, "connection_evicted", map[string]any{
			"count": dropped,
		})
	}
}

// poolKey identifies connections that may be re-bound for cfg.
func poolKey(cfg DirectoryConfig) string {
	return cfg.Server + "\x00" + cfg.BindDN
}

// validatePoolConfig validates the pool-specific settings.
func validatePoolConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	return nil
}
