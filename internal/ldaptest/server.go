// Package ldaptest provides an in-process directory server for tests.
//
// The server understands simple bind, subtree search with equality, presence
// and boolean filters, and modify. Clearing lockoutTime also clears the
// LOCKOUT bit of msDS-User-Account-Control-Computed, as a domain controller does.
package ldaptest

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lor00x/goldap/message"
	"github.com/stretchr/testify/require"
	ldapserver "github.com/vjeantet/ldapserver"
)

// Credentials every Server accepts.
const (
	BaseDN   = "DC=example,DC=com"
	BindDN   = "CN=svc-unlock,OU=Service,DC=example,DC=com"
	Password = "s3cret!"
)

const (
	attrLockoutTime     = "lockoutTime"
	attrComputedControl = "msDS-User-Account-Control-Computed"
	lockoutBit          = 0x0010
)

// Server is a fake domain controller holding a handful of entries.
type Server struct {
	addr   string
	server *ldapserver.Server

	mu          sync.Mutex
	credentials map[string]string
	entries     map[string]map[string][]string // lower-cased DN -> attributes
	dns         map[string]string              // lower-cased DN -> DN as added
	modifyCode  int
	binds       int
	searches    int
	modifies    int
	searchDelay time.Duration
}

// NewServer starts a server on a loopback port that accepts BindDN/Password.
// It is stopped when the test finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ldapserver.Logger = ldapserver.DiscardingLogger

	s := &Server{
		credentials: map[string]string{strings.ToLower(BindDN): Password},
		entries:     make(map[string]map[string][]string),
		dns:         make(map[string]string),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.addr = listener.Addr().String()
	require.NoError(t, listener.Close())

	routes := ldapserver.NewRouteMux()
	routes.Bind(s.handleBind)
	routes.Search(s.handleSearch)
	routes.Modify(s.handleModify)

	s.server = ldapserver.NewServer()
	s.server.Handle(routes)

	go s.server.ListenAndServe(s.addr)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", s.addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "fake DC did not start listening")

	t.Cleanup(s.server.Stop)

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.addr
}

// URL returns the ldap:// endpoint of the server.
func (s *Server) URL() string {
	return "ldap://" + s.addr
}

// AddEntry stores an entry, adding distinguishedName when absent.
func (s *Server) AddEntry(dn string, attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string][]string, len(attrs)+1)
	for k, v := range attrs {
		copied[k] = append([]string(nil), v...)
	}
	if _, ok := copied["distinguishedName"]; !ok {
		copied["distinguishedName"] = []string{dn}
	}

	s.entries[strings.ToLower(dn)] = copied
	s.dns[strings.ToLower(dn)] = dn
}

// Attribute returns the current values of one attribute of an entry.
func (s *Server) Attribute(dn, name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entries[strings.ToLower(dn)][name]
}

// RejectModifies makes every later modify fail with the LDAP result code.
func (s *Server) RejectModifies(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modifyCode = code
}

// DelaySearches holds every search response for d.
func (s *Server) DelaySearches(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searchDelay = d
}

// Counts returns how many binds, searches and modifies the server has handled.
func (s *Server) Counts() (binds, searches, modifies int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.binds, s.searches, s.modifies
}

func (s *Server) handleBind(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetBindRequest()

	s.mu.Lock()
	s.binds++
	password, ok := s.credentials[strings.ToLower(string(r.Name()))]
	s.mu.Unlock()

	res := ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess)
	if !ok || password != string(r.AuthenticationSimple()) {
		res.SetResultCode(ldapserver.LDAPResultInvalidCredentials)
		res.SetDiagnosticMessage("80090308: LdapErr: DSID-0C090447, comment: AcceptSecurityContext error, data 52e, v3839")
	}

	w.Write(res)
}

func (s *Server) handleSearch(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetSearchRequest()
	base := strings.ToLower(string(r.BaseObject()))

	s.mu.Lock()
	s.searches++
	delay := s.searchDelay
	type match struct {
		dn    string
		attrs map[string][]string
	}
	var matches []match
	for key, attrs := range s.entries {
		if key != base && !strings.HasSuffix(key, ","+base) {
			continue
		}
		if !matchFilter(r.Filter(), attrs) {
			continue
		}
		matches = append(matches, match{dn: s.dns[key], attrs: attrs})
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	for _, entry := range matches {
		res := ldapserver.NewSearchResultEntry(entry.dn)
		for name, values := range entry.attrs {
			vals := make([]message.AttributeValue, 0, len(values))
			for _, v := range values {
				vals = append(vals, message.AttributeValue(v))
			}
			res.AddAttribute(message.AttributeDescription(name), vals...)
		}
		w.Write(res)
	}

	w.Write(ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSuccess))
}

func (s *Server) handleModify(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetModifyRequest()
	key := strings.ToLower(string(r.Object()))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.modifies++

	if s.modifyCode != 0 {
		w.Write(ldapserver.NewModifyResponse(s.modifyCode))
		return
	}

	attrs, ok := s.entries[key]
	if !ok {
		w.Write(ldapserver.NewModifyResponse(ldapserver.LDAPResultNoSuchObject))
		return
	}

	for _, change := range r.Changes() {
		modification := change.Modification()
		name := string(modification.Type_())

		var values []string
		for _, v := range modification.Vals() {
			values = append(values, string(v))
		}

		switch change.Operation() {
		case ldapserver.ModifyRequestChangeOperationReplace:
			attrs[name] = values
		case ldapserver.ModifyRequestChangeOperationAdd:
			attrs[name] = append(attrs[name], values...)
		case ldapserver.ModifyRequestChangeOperationDelete:
			delete(attrs, name)
		}

		if strings.EqualFold(name, attrLockoutTime) && len(values) == 1 && values[0] == "0" {
			if computed, ok := attrs[attrComputedControl]; ok && len(computed) > 0 {
				if v, err := strconv.ParseInt(computed[0], 10, 64); err == nil {
					attrs[attrComputedControl] = []string{strconv.FormatInt(v&^lockoutBit, 10)}
				}
			}
		}
	}

	w.Write(ldapserver.NewModifyResponse(ldapserver.LDAPResultSuccess))
}

// matchFilter evaluates the filter subset account searches use.
func matchFilter(filter message.Filter, attrs map[string][]string) bool {
	switch f := filter.(type) {
	case message.FilterAnd:
		for _, child := range f {
			if !matchFilter(child, attrs) {
				return false
			}
		}
		return true
	case message.FilterOr:
		for _, child := range f {
			if matchFilter(child, attrs) {
				return true
			}
		}
		return false
	case message.FilterNot:
		return !matchFilter(f.Filter, attrs)
	case message.FilterEqualityMatch:
		for k, vals := range attrs {
			if strings.EqualFold(k, string(f.AttributeDesc())) {
				for _, v := range vals {
					if strings.EqualFold(v, string(f.AssertionValue())) {
						return true
					}
				}
				return false
			}
		}
		return false
	case message.FilterPresent:
		for k := range attrs {
			if strings.EqualFold(k, string(f)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
