package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-unlock/internal/ldap"
	"github.com/isometry/ad-unlock/internal/ldaptest"
)

const (
	janeDN = "CN=Jane Roe,OU=Users,DC=example,DC=com"
	johnDN = "CN=John Doe,OU=Users,DC=example,DC=com"
)

type fixture struct {
	dc      *ldaptest.Server
	cfg     ldap.DirectoryConfig
	service *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	dc := ldaptest.NewServer(t)
	dc.AddEntry(janeDN, map[string][]string{
		"cn":                                 {"Jane Roe"},
		"sAMAccountName":                     {"jroe"},
		"displayName":                        {"Jane Roe"},
		"mail":                               {"jroe@example.com"},
		"department":                         {"Finance"},
		"lockoutTime":                        {"133500000000000000"},
		"msDS-User-Account-Control-Computed": {"16"},
		"badPwdCount":                        {"5"},
	})
	dc.AddEntry(johnDN, map[string][]string{
		"cn":             {"John Doe"},
		"sAMAccountName": {"jdoe"},
		"lockoutTime":    {"0"},
	})

	config := ldap.DefaultConfig()
	config.Timeout = 2 * time.Second
	dialer, err := ldap.NewDialer(config)
	require.NoError(t, err)

	return &fixture{
		dc: dc,
		cfg: ldap.DirectoryConfig{
			Server:       dc.URL(),
			BaseDN:       ldaptest.BaseDN,
			BindDN:       ldaptest.BindDN,
			BindPassword: ldaptest.Password,
		},
		service: New(dialer, opts...),
	}
}

func TestService_TestBind(t *testing.T) {
	f := newFixture(t)

	result := f.service.TestBind(t.Context(), f.cfg)
	assert.True(t, result.Success)
	assert.Equal(t, "connection successful", result.Message)

	wrong := f.cfg
	wrong.BindPassword = "wrong"
	result = f.service.TestBind(t.Context(), wrong)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "LDAP connection test failed: ")
	assert.Greater(t, len(result.Message), len("LDAP connection test failed: "))

	incomplete := f.cfg
	incomplete.BaseDN = ""
	result = f.service.TestBind(t.Context(), incomplete)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "base DN is required")
}

func TestService_Lookup(t *testing.T) {
	f := newFixture(t)

	result := f.service.Lookup(t.Context(), f.cfg, "jroe")
	require.True(t, result.Success, result.Message)
	assert.True(t, result.Found)
	assert.Equal(t, "jroe", result.Username)

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"success": true,
		"found": true,
		"username": "jroe",
		"attributes": {
			"Name (CN)": "Jane Roe",
			"Display Name": "Jane Roe",
			"Logon ID": "jroe",
			"Email": "jroe@example.com",
			"Department": "Finance",
			"DN": "CN=Jane Roe,OU=Users,DC=example,DC=com"
		}
	}`, string(data))
}

func TestService_LookupFailures(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		cfg      func(ldap.DirectoryConfig) ldap.DirectoryConfig
		username string
		want     string
	}{
		{
			name:     "not found",
			cfg:      func(c ldap.DirectoryConfig) ldap.DirectoryConfig { return c },
			username: "ghost",
			want:     "account 'ghost' not found",
		},
		{
			name:     "invalid logon name",
			cfg:      func(c ldap.DirectoryConfig) ldap.DirectoryConfig { return c },
			username: "*",
			want:     "invalid logon name",
		},
		{
			name: "bind failure",
			cfg: func(c ldap.DirectoryConfig) ldap.DirectoryConfig {
				c.BindPassword = "wrong"
				return c
			},
			username: "jroe",
			want:     "LDAP connection error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.service.Lookup(t.Context(), tt.cfg(f.cfg), tt.username)
			assert.False(t, result.Success)
			assert.False(t, result.Found)
			assert.Nil(t, result.Attributes)
			assert.Contains(t, result.Message, tt.want)
		})
	}
}

func TestService_LockStatusUnlockRoundTrip(t *testing.T) {
	f := newFixture(t)

	before := f.service.LockStatus(t.Context(), f.cfg, "jroe")
	require.True(t, before.Success, before.Message)
	assert.True(t, before.IsLocked)
	assert.Equal(t, janeDN, before.UserDN)
	assert.Equal(t, "Jane Roe", before.DisplayName)
	assert.Equal(t, "jroe@example.com", before.Email)
	assert.Equal(t, "Finance", before.Department)
	assert.Equal(t, 5, before.BadPwdCount)
	require.NotNil(t, before.LockoutTime)
	assert.Equal(t, "2024-01-17 21:20:00", *before.LockoutTime)

	unlocked := f.service.Unlock(t.Context(), f.cfg, before.UserDN, "jroe")
	require.True(t, unlocked.Success, unlocked.Message)
	assert.Equal(t, "account 'jroe' unlocked", unlocked.Message)

	after := f.service.LockStatus(t.Context(), f.cfg, "jroe")
	require.True(t, after.Success)
	assert.False(t, after.IsLocked)
	assert.Nil(t, after.LockoutTime)

	data, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"lockout_time":null`)
	assert.Contains(t, string(data), `"signals":{"computed":"unlocked","timestamp":"unlocked"}`)
}

func TestService_LockStatusUnlockedAccount(t *testing.T) {
	f := newFixture(t)

	result := f.service.LockStatus(t.Context(), f.cfg, "jdoe")
	require.True(t, result.Success)
	assert.False(t, result.IsLocked)
	assert.Nil(t, result.LockoutTime)
	assert.Equal(t, 0, result.BadPwdCount)
}

func TestService_LockoutPolicy(t *testing.T) {
	f := newFixture(t, WithLockoutPolicy(ldap.PolicyComputedFirst))
	f.dc.AddEntry("CN=Stale,OU=Users,DC=example,DC=com", map[string][]string{
		"sAMAccountName":                     {"stale"},
		"lockoutTime":                        {"133500000000000000"},
		"msDS-User-Account-Control-Computed": {"0"},
	})

	result := f.service.LockStatus(t.Context(), f.cfg, "stale")
	require.True(t, result.Success)
	assert.False(t, result.IsLocked)
	require.NotNil(t, result.LockoutTime, "the timestamp is still reported")
}

func TestService_ProfileAttributes(t *testing.T) {
	f := newFixture(t, WithProfileAttributes([]ldap.AttributeSpec{
		{Name: "mail", Label: "E-mail"},
	}))

	result := f.service.Lookup(t.Context(), f.cfg, "jroe")
	require.True(t, result.Success)
	assert.Equal(t, []string{"E-mail"}, result.Attributes.Labels())
}

func TestService_UnlockRejected(t *testing.T) {
	f := newFixture(t)
	f.dc.RejectModifies(goldap.LDAPResultInsufficientAccessRights)

	result := f.service.Unlock(t.Context(), f.cfg, janeDN, "jroe")
	assert.False(t, result.Success)
	assert.Equal(t, "unlock failed: Insufficient Access Rights", result.Message)
	assert.Equal(t, []string{"133500000000000000"}, f.dc.Attribute(janeDN, "lockoutTime"))
}

func TestService_UnlockOutsideBase(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		dn   string
		want string
	}{
		{"other domain", "CN=Admin,OU=Users,DC=other,DC=com", "outside base DN"},
		{"suffix trick", "CN=Admin,DC=notexample,DC=com", "outside base DN"},
		{"malformed", "not a dn", "invalid user DN"},
		{"empty", "", "invalid user DN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.service.Unlock(t.Context(), f.cfg, tt.dn, "x")
			assert.False(t, result.Success)
			assert.Contains(t, result.Message, tt.want)
		})
	}

	_, _, modifies := f.dc.Counts()
	assert.Zero(t, modifies)
}

func TestWithinBase(t *testing.T) {
	assert.NoError(t, withinBase("DC=example,DC=com", "cn=jane roe,ou=users,dc=EXAMPLE,dc=com"))
	assert.NoError(t, withinBase("OU=Users,DC=example,DC=com", "OU=Users,DC=example,DC=com"))
	assert.Error(t, withinBase("OU=Users,DC=example,DC=com", "CN=x,OU=Staff,DC=example,DC=com"))
	assert.Error(t, withinBase("not a dn", "CN=x,DC=example,DC=com"))
}

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Connect(ctx context.Context, cfg ldap.DirectoryConfig) (ldap.Connection, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ldap.Connection), args.Error(1)
}

func TestService_CancelledContext(t *testing.T) {
	connector := new(mockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(nil, ldap.NewConnectionError("ldap://dc1:389", "dial", context.Canceled))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	result := New(connector).LockStatus(ctx, ldap.DirectoryConfig{Server: "ldap://dc1"}, "jroe")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "operation cancelled")
}
