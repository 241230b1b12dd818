package ldap

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-ldap/ldap/v3"
)

// MaxLogonNameLength is the longest sAMAccountName Active Directory accepts.
const MaxLogonNameLength = 256

// logonNameForbidden are the characters Active Directory rejects in sAMAccountName.
const logonNameForbidden = `"/\[]:;|=,+*?<>`

// NormalizeLogonName trims whitespace and strips a down-level "DOMAIN\" prefix.
func NormalizeLogonName(logonName string) string {
	name := strings.TrimSpace(logonName)
	if _, user, ok := strings.Cut(name, `\`); ok {
		name = user
	}
	return name
}

// ValidateLogonName rejects names that cannot be a sAMAccountName.
func ValidateLogonName(name string) error {
	if name == "" {
		return fmt.Errorf("logon name cannot be empty")
	}

	if len(name) > MaxLogonNameLength {
		return fmt.Errorf("logon name too long (max %d characters)", MaxLogonNameLength)
	}

	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(logonNameForbidden, r) {
			return fmt.Errorf("logon name contains invalid character %q", r)
		}
	}

	return nil
}

// LogonFilter builds the equality filter selecting the account for logonName.
// The value is validated and filter-escaped before interpolation.
func LogonFilter(logonName string) (string, error) {
	name := NormalizeLogonName(logonName)
	if err := ValidateLogonName(name); err != nil {
		return "", err
	}

	return fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(name)), nil
}
