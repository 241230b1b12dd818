package ldap

import (
	"testing"
	"time"

	"github.com/isometry/ad-unlock/internal/ldaptest"
)

const (
	testBaseDN   = ldaptest.BaseDN
	testBindDN   = ldaptest.BindDN
	testPassword = ldaptest.Password
)

// fakeDC adapts ldaptest.Server to the package's config type.
type fakeDC struct {
	*ldaptest.Server
	addr string
}

func newFakeDC(t *testing.T) *fakeDC {
	t.Helper()

	s := ldaptest.NewServer(t)
	return &fakeDC{Server: s, addr: s.Addr()}
}

// Config returns a DirectoryConfig bound as the service account.
func (dc *fakeDC) Config() DirectoryConfig {
	return DirectoryConfig{
		Server:       dc.URL(),
		BaseDN:       testBaseDN,
		BindDN:       testBindDN,
		BindPassword: testPassword,
	}
}

func (dc *fakeDC) addEntry(dn string, attrs map[string][]string) { dc.AddEntry(dn, attrs) }

func (dc *fakeDC) attribute(dn, name string) []string { return dc.Attribute(dn, name) }

func (dc *fakeDC) rejectModifies(code int) { dc.RejectModifies(code) }

func (dc *fakeDC) delaySearches(d time.Duration) { dc.DelaySearches(d) }

func (dc *fakeDC) counts() (binds, searches, modifies int) { return dc.Counts() }
