package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// findAccount runs a subtree search of baseDN for logonName and returns the first entry.
func findAccount(ctx context.Context, conn Connection, baseDN, logonName string, attributes []string) (*ldap.Entry, error) {
	filter, err := LogonFilter(logonName)
	if err != nil {
		return nil, fmt.Errorf("invalid logon name: %w", err)
	}

	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attributes,
		nil,
	)

	tflog.SubsystemDebug(ctx, Subsystem, "Searching for account", map[string]any{
		"base_dn":         baseDN,
		"filter":          filter,
		"attribute_count": len(attributes),
	})

	result, err := conn.Search(req)
	if err != nil && !partialResult(result, err) {
		return nil, NewLDAPError("search", baseDN, err)
	}

	if len(result.Entries) == 0 {
		return nil, &NotFoundError{LogonName: NormalizeLogonName(logonName)}
	}

	if len(result.Entries) > 1 {
		tflog.SubsystemWarn(ctx, Subsystem, "Logon name matched more than one entry, using the first", map[string]any{
			"logon_name": logonName,
			"matches":    len(result.Entries),
		})
	}

	return result.Entries[0], nil
}

// partialResult reports whether a size-limited search still returned usable entries.
func partialResult(result *ldap.SearchResult, err error) bool {
	return result != nil && len(result.Entries) > 0 && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded)
}

// entryAttribute returns the attribute named name, matching case-insensitively.
func entryAttribute(entry *ldap.Entry, name string) *ldap.EntryAttribute {
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr
		}
	}
	return nil
}

// firstValue returns the first non-blank value of the named attribute.
func firstValue(entry *ldap.Entry, name string) (string, bool) {
	attr := entryAttribute(entry, name)
	if attr == nil {
		return "", false
	}
	for _, v := range attr.Values {
		if strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// isInterrupted reports whether err stems from the caller abandoning the operation.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
