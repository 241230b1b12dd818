package ldap

import "slices"

// AttributeKind selects how raw attribute values are normalized for display.
type AttributeKind int

const (
	KindText            AttributeKind = iota // Values shown as returned
	KindGeneralizedTime                      // LDAP GeneralizedTime (whenCreated, whenChanged)
	KindFiletime                             // 100ns ticks since 1601 (lastLogon, pwdLastSet)
	KindAccountControl                       // userAccountControl bitmask
	KindGroupList                            // DN list reduced to relative names and truncated
	KindSID                                  // Binary objectSid
	KindGUID                                 // Binary objectGUID
)

// String returns the kind name.
func (k AttributeKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindGeneralizedTime:
		return "generalized_time"
	case KindFiletime:
		return "filetime"
	case KindAccountControl:
		return "account_control"
	case KindGroupList:
		return "group_list"
	case KindSID:
		return "sid"
	case KindGUID:
		return "guid"
	default:
		return "unknown"
	}
}

// AttributeSpec maps one directory attribute to its display label.
type AttributeSpec struct {
	Name  string
	Label string
	Kind  AttributeKind
	List  bool // Always render as a list, even with one value
}

var defaultProfileAttributes = []AttributeSpec{
	{Name: "cn", Label: "Name (CN)"},
	{Name: "displayName", Label: "Display Name"},
	{Name: "sAMAccountName", Label: "Logon ID"},
	{Name: "userPrincipalName", Label: "UPN"},
	{Name: "mail", Label: "Email"},
	{Name: "telephoneNumber", Label: "Telephone"},
	{Name: "mobile", Label: "Mobile"},
	{Name: "department", Label: "Department"},
	{Name: "title", Label: "Title"},
	{Name: "company", Label: "Company"},
	{Name: "manager", Label: "Manager"},
	{Name: "memberOf", Label: "Groups", Kind: KindGroupList, List: true},
	{Name: "whenCreated", Label: "Created", Kind: KindGeneralizedTime},
	{Name: "whenChanged", Label: "Modified", Kind: KindGeneralizedTime},
	{Name: "lastLogon", Label: "Last Logon", Kind: KindFiletime},
	{Name: "pwdLastSet", Label: "Password Last Set", Kind: KindFiletime},
	{Name: "userAccountControl", Label: "Account Status", Kind: KindAccountControl},
	{Name: "distinguishedName", Label: "DN"},
	{Name: "description", Label: "Description"},
	{Name: "physicalDeliveryOfficeName", Label: "Office"},
	{Name: "streetAddress", Label: "Street Address"},
	{Name: "l", Label: "City"},
	{Name: "st", Label: "State/Province"},
	{Name: "postalCode", Label: "Postal Code"},
	{Name: "co", Label: "Country"},
	{Name: "employeeID", Label: "Employee ID"},
	{Name: "employeeNumber", Label: "Employee Number"},
	{Name: "objectSid", Label: "Object SID", Kind: KindSID},
	{Name: "objectGUID", Label: "Object GUID", Kind: KindGUID},
}

// DefaultProfileAttributes returns a copy of the standard account attribute table.
func DefaultProfileAttributes() []AttributeSpec {
	return slices.Clone(defaultProfileAttributes)
}

// Lockout-related attribute names.
const (
	AttrLockoutTime     = "lockoutTime"
	AttrComputedControl = "msDS-User-Account-Control-Computed"
	AttrBadPwdCount     = "badPwdCount"
)

// lockoutAttributes are requested by CheckLock.
var lockoutAttributes = []string{
	"distinguishedName",
	"sAMAccountName",
	"displayName",
	"mail",
	"department",
	AttrLockoutTime,
	"userAccountControl",
	AttrComputedControl,
	AttrBadPwdCount,
}
