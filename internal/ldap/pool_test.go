package ldap

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if config.TLSConfig == nil {
		t.Fatal("Default config should have TLS config")
	}

	if config.TLSConfig.InsecureSkipVerify {
		t.Error("Default config should validate certificates")
	}

	if config.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", config.TLSConfig.MinVersion)
	}

	if config.Timeout != DefaultConnectTimeout {
		t.Errorf("Timeout = %v, want %v", config.Timeout, DefaultConnectTimeout)
	}

	if config.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", config.MaxRetries)
	}

	if config.GetAuthMethod() != AuthMethodSimpleBind {
		t.Errorf("GetAuthMethod() = %v, want simple", config.GetAuthMethod())
	}
}

func TestValidatePoolConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionConfig)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*ConnectionConfig) {},
		},
		{
			name:    "zero connections",
			mutate:  func(c *ConnectionConfig) { c.MaxConnections = 0 },
			wantErr: "MaxConnections must be positive",
		},
		{
			name:    "too many connections",
			mutate:  func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 },
			wantErr: "MaxConnections too high",
		},
		{
			name:    "zero idle time",
			mutate:  func(c *ConnectionConfig) { c.MaxIdleTime = 0 },
			wantErr: "MaxIdleTime must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := validatePoolConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewPool_RequiresDialer(t *testing.T) {
	_, err := NewPool(t.Context(), nil)
	require.Error(t, err)
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	config := DefaultConfig()
	config.Timeout = 2 * time.Second
	config.MaxConnections = 2
	config.HealthCheck = 0

	dialer, err := NewDialer(config)
	require.NoError(t, err)

	pool, err := NewPool(t.Context(), dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func TestPool_ReusesAndRebinds(t *testing.T) {
	dc := newFakeDC(t)
	dc.addEntry("CN=John Doe,OU=Users,DC=example,DC=com", map[string][]string{
		"sAMAccountName": {"jdoe"},
	})

	pool := newTestPool(t)

	search := func(conn Connection) error {
		_, err := conn.Search(ldap.NewSearchRequest(
			testBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			"(sAMAccountName=jdoe)", nil, nil,
		))
		return err
	}

	require.NoError(t, WithConnection(t.Context(), pool, dc.Config(), search))
	assert.Equal(t, 1, pool.Stats().Idle)

	require.NoError(t, WithConnection(t.Context(), pool, dc.Config(), search))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Reused)
	assert.Equal(t, 1, stats.Idle)

	binds, searches, _ := dc.counts()
	assert.Equal(t, 2, binds, "checkout must re-bind")
	assert.Equal(t, 2, searches)
}

func TestPool_RebindWithWrongPasswordFails(t *testing.T) {
	dc := newFakeDC(t)
	pool := newTestPool(t)

	require.NoError(t, WithConnection(t.Context(), pool, dc.Config(), func(Connection) error { return nil }))
	require.Equal(t, 1, pool.Stats().Idle)

	cfg := dc.Config()
	cfg.BindPassword = "wrong"

	_, err := pool.Connect(t.Context(), cfg)
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.Equal(t, 0, pool.Stats().Idle, "connection with a rejected bind must not be parked")
}

func TestPool_CancelledConnectionIsNotParked(t *testing.T) {
	dc := newFakeDC(t)
	pool := newTestPool(t)

	ctx, cancel := context.WithCancel(t.Context())

	conn, err := pool.Connect(ctx, dc.Config())
	require.NoError(t, err)

	cancel()
	require.NoError(t, conn.Close())

	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestPool_BoundsIdleConnections(t *testing.T) {
	dc := newFakeDC(t)
	pool := newTestPool(t)

	var conns []Connection
	for range 3 {
		conn, err := pool.Connect(t.Context(), dc.Config())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Created)
	assert.Equal(t, 2, stats.Idle)
}

func TestPool_EvictExpired(t *testing.T) {
	dc := newFakeDC(t)

	config := DefaultConfig()
	config.MaxIdleTime = time.Millisecond
	config.HealthCheck = 0

	dialer, err := NewDialer(config)
	require.NoError(t, err)
	pool, err := NewPool(t.Context(), dialer)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, WithConnection(t.Context(), pool, dc.Config(), func(Connection) error { return nil }))
	require.Equal(t, 1, pool.Stats().Idle)

	time.Sleep(5 * time.Millisecond)
	pool.evictExpired()

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Evicted)
}

func TestPool_Close(t *testing.T) {
	dc := newFakeDC(t)
	pool := newTestPool(t)

	require.NoError(t, WithConnection(t.Context(), pool, dc.Config(), func(Connection) error { return nil }))

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close(), "second Close must be a no-op")
	assert.Equal(t, 0, pool.Stats().Idle)

	_, err := pool.Connect(t.Context(), dc.Config())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestPoolKey(t *testing.T) {
	a := DirectoryConfig{Server: "ldap://dc1", BindDN: "CN=a"}
	b := DirectoryConfig{Server: "ldap://dc1", BindDN: "CN=b"}
	c := DirectoryConfig{Server: "ldap://dc1", BindDN: "CN=a", BindPassword: "other", BaseDN: "DC=x"}

	assert.NotEqual(t, poolKey(a), poolKey(b))
	assert.Equal(t, poolKey(a), poolKey(c))
}
