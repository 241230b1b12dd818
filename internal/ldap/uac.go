package ldap

import (
	"fmt"
	"strconv"
	"strings"
)

// User Account Control flags.
// https://learn.microsoft.com/en-us/windows/win32/adschema/a-useraccountcontrol
const (
	UACScript                  uint32 = 0x00000001 // Logon script executed
	UACAccountDisabled         uint32 = 0x00000002 // Account is disabled
	UACHomeDirRequired         uint32 = 0x00000008 // Home directory required
	UACLockout                 uint32 = 0x00000010 // Account is locked out
	UACPasswordNotRequired     uint32 = 0x00000020 // No password required
	UACPasswordCantChange      uint32 = 0x00000040 // User cannot change password
	UACEncryptedTextPwdAllowed uint32 = 0x00000080 // Encrypted text password allowed
	UACTempDuplicateAccount    uint32 = 0x00000100 // Local user account (temporary)
	UACNormalAccount           uint32 = 0x00000200 // Normal user account
	UACInterdomainTrustAccount uint32 = 0x00000800 // Interdomain trust account
	UACWorkstationTrustAccount uint32 = 0x00001000 // Workstation trust account
	UACServerTrustAccount      uint32 = 0x00002000 // Server trust account
	UACPasswordNeverExpires    uint32 = 0x00010000 // Password never expires
	UACMNSLogonAccount         uint32 = 0x00020000 // MNS logon account
	UACSmartCardRequired       uint32 = 0x00040000 // Smart card required for logon
	UACTrustedForDelegation    uint32 = 0x00080000 // Account trusted for delegation
	UACNotDelegated            uint32 = 0x00100000 // Account not delegated
	UACUseDesKeyOnly           uint32 = 0x00200000 // Use DES key only
	UACDontRequirePreauth      uint32 = 0x00400000 // Don't require Kerberos preauth
	UACPasswordExpired         uint32 = 0x00800000 // Password expired
	UACTrustedToAuthForDeleg   uint32 = 0x01000000 // Trusted to authenticate for delegation
)

var uacFlagNames = []struct {
	flag uint32
	name string
}{
	{UACScript, "SCRIPT"},
	{UACAccountDisabled, "ACCOUNTDISABLE"},
	{UACHomeDirRequired, "HOMEDIR_REQUIRED"},
	{UACLockout, "LOCKOUT"},
	{UACPasswordNotRequired, "PASSWD_NOTREQD"},
	{UACPasswordCantChange, "PASSWD_CANT_CHANGE"},
	{UACEncryptedTextPwdAllowed, "ENCRYPTED_TEXT_PWD_ALLOWED"},
	{UACTempDuplicateAccount, "TEMP_DUPLICATE_ACCOUNT"},
	{UACNormalAccount, "NORMAL_ACCOUNT"},
	{UACInterdomainTrustAccount, "INTERDOMAIN_TRUST_ACCOUNT"},
	{UACWorkstationTrustAccount, "WORKSTATION_TRUST_ACCOUNT"},
	{UACServerTrustAccount, "SERVER_TRUST_ACCOUNT"},
	{UACPasswordNeverExpires, "DONT_EXPIRE_PASSWORD"},
	{UACMNSLogonAccount, "MNS_LOGON_ACCOUNT"},
	{UACSmartCardRequired, "SMARTCARD_REQUIRED"},
	{UACTrustedForDelegation, "TRUSTED_FOR_DELEGATION"},
	{UACNotDelegated, "NOT_DELEGATED"},
	{UACUseDesKeyOnly, "USE_DES_KEY_ONLY"},
	{UACDontRequirePreauth, "DONT_REQ_PREAUTH"},
	{UACPasswordExpired, "PASSWORD_EXPIRED"},
	{UACTrustedToAuthForDeleg, "TRUSTED_TO_AUTH_FOR_DELEGATION"},
}

// ParseAccountControl parses an account-control attribute value.
// AD returns these as signed 32-bit decimals; negative values are reinterpreted as unsigned.
func ParseAccountControl(value string) (uint32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account control value %q: %w", value, err)
	}

	if v < -1<<31 || v > 1<<32-1 {
		return 0, fmt.Errorf("account control value %d out of range", v)
	}

	return uint32(v), nil
}

// AccountControlFlags returns the names of the flags set in v, lowest bit first.
func AccountControlFlags(v uint32) []string {
	var names []string
	for _, f := range uacFlagNames {
		if v&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// FormatAccountControl renders v as "514 (ACCOUNTDISABLE, NORMAL_ACCOUNT)".
func FormatAccountControl(v uint32) string {
	names := AccountControlFlags(v)
	if len(names) == 0 {
		return strconv.FormatUint(uint64(v), 10)
	}
	return fmt.Sprintf("%d (%s)", v, strings.Join(names, ", "))
}
