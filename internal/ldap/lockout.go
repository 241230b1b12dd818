package ldap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SignalState is what one lockout attribute says about an account.
type SignalState int

const (
	SignalAbsent   SignalState = iota // Attribute missing or undecodable
	SignalUnlocked                    // Attribute present and reports not locked
	SignalLocked                      // Attribute present and reports locked
)

// String returns the signal name.
func (s SignalState) String() string {
	switch s {
	case SignalUnlocked:
		return "unlocked"
	case SignalLocked:
		return "locked"
	default:
		return "absent"
	}
}

// MarshalText renders the signal by name.
func (s SignalState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LockoutSignals are the two independent lockout readings of an account.
type LockoutSignals struct {
	Computed  SignalState `json:"computed"`  // msDS-User-Account-Control-Computed LOCKOUT bit
	Timestamp SignalState `json:"timestamp"` // lockoutTime
}

// LockoutPolicy decides how the two signals combine into one answer.
type LockoutPolicy int

const (
	// PolicyEitherSignal reports locked when either signal says locked. A
	// lockoutTime left behind after the lockout duration expired still reads
	// as locked.
	PolicyEitherSignal LockoutPolicy = iota

	// PolicyComputedFirst trusts the computed signal whenever it is present and
	// consults lockoutTime only when it is absent.
	PolicyComputedFirst
)

// String returns the policy's configuration name.
func (p LockoutPolicy) String() string {
	switch p {
	case PolicyComputedFirst:
		return "computed-first"
	default:
		return "either"
	}
}

// ParseLockoutPolicy parses a policy configuration name.
func ParseLockoutPolicy(s string) (LockoutPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "either":
		return PolicyEitherSignal, nil
	case "computed-first":
		return PolicyComputedFirst, nil
	default:
		return PolicyEitherSignal, fmt.Errorf("unknown lockout policy %q (want either or computed-first)", s)
	}
}

// ReconcileLockout combines the computed and timestamp signals under policy.
func ReconcileLockout(policy LockoutPolicy, computed, timestamp SignalState) bool {
	switch policy {
	case PolicyComputedFirst:
		if computed != SignalAbsent {
			return computed == SignalLocked
		}
		return timestamp == SignalLocked
	default:
		return computed == SignalLocked || timestamp == SignalLocked
	}
}

// LockoutStatus is a point-in-time lockout reading for one account.
type LockoutStatus struct {
	DistinguishedName string
	LogonName         string
	DisplayName       string
	Email             string
	Department        string
	IsLocked          bool
	LockoutTime       *string    // Formatted lockoutTime, nil when not locked by timestamp
	LockedAt          *time.Time // Parsed lockoutTime
	BadPasswordCount  int
	Signals           LockoutSignals
}

// LockoutEvaluator reads the lockout state of accounts.
type LockoutEvaluator struct {
	policy LockoutPolicy
}

// NewLockoutEvaluator creates an evaluator reconciling signals under policy.
func NewLockoutEvaluator(policy LockoutPolicy) *LockoutEvaluator {
	return &LockoutEvaluator{policy: policy}
}

// Policy returns the evaluator's reconciliation policy.
func (e *LockoutEvaluator) Policy() LockoutPolicy {
	return e.policy
}

// CheckLock finds logonName under baseDN and evaluates its lockout state.
// Zero matches yield a *NotFoundError.
func (e *LockoutEvaluator) CheckLock(ctx context.Context, conn Connection, baseDN, logonName string) (*LockoutStatus, error) {
	var status *LockoutStatus

	err := LogOperation(ctx, "check_lock", map[string]any{
		"base_dn":    baseDN,
		"logon_name": logonName,
		"policy":     e.policy.String(),
	}, func() error {
		entry, err := findAccount(ctx, conn, baseDN, logonName, lockoutAttributes)
		if err != nil {
			return err
		}
		status = e.Evaluate(ctx, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}

// Evaluate derives a LockoutStatus from entry. Each attribute is read
// independently; an undecodable one contributes nothing.
func (e *LockoutEvaluator) Evaluate(ctx context.Context, entry *ldap.Entry) *LockoutStatus {
	status := &LockoutStatus{DistinguishedName: entry.DN}

	if dn, ok := firstValue(entry, "distinguishedName"); ok {
		status.DistinguishedName = dn
	}
	status.LogonName, _ = firstValue(entry, "sAMAccountName")
	status.DisplayName, _ = firstValue(entry, "displayName")
	status.Email, _ = firstValue(entry, "mail")
	status.Department, _ = firstValue(entry, "department")

	skip := func(err *AttributeError) {
		LogAttributeError(ctx, entry.DN, err)
	}

	status.Signals.Computed = computedSignal(entry, skip)

	var lockedAt time.Time
	status.Signals.Timestamp, lockedAt = timestampSignal(entry, skip)
	if status.Signals.Timestamp == SignalLocked {
		formatted := FormatDisplayTime(lockedAt)
		status.LockoutTime = &formatted
		status.LockedAt = &lockedAt
	}

	status.IsLocked = ReconcileLockout(e.policy, status.Signals.Computed, status.Signals.Timestamp)
	status.BadPasswordCount = badPasswordCount(entry, skip)

	tflog.SubsystemDebug(ctx, Subsystem, "Evaluated lockout state", map[string]any{
		"dn":               status.DistinguishedName,
		"computed_signal":  status.Signals.Computed.String(),
		"timestamp_signal": status.Signals.Timestamp.String(),
		"is_locked":        status.IsLocked,
		"policy":           e.policy.String(),
	})

	return status
}

// computedSignal reads the LOCKOUT bit of msDS-User-Account-Control-Computed.
func computedSignal(entry *ldap.Entry, skip func(*AttributeError)) SignalState {
	raw, ok := firstValue(entry, AttrComputedControl)
	if !ok {
		return SignalAbsent
	}

	v, err := ParseAccountControl(raw)
	if err != nil {
		skip(&AttributeError{Attribute: AttrComputedControl, Value: raw, Cause: err})
		return SignalAbsent
	}

	if v&UACLockout != 0 {
		return SignalLocked
	}
	return SignalUnlocked
}

// timestampSignal reads lockoutTime as FILETIME ticks, or as a generalized
// time when a server returns it that way.
func timestampSignal(entry *ldap.Entry, skip func(*AttributeError)) (SignalState, time.Time) {
	raw, ok := firstValue(entry, AttrLockoutTime)
	if !ok {
		return SignalAbsent, time.Time{}
	}

	ticks, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err == nil {
		if ticks <= 0 {
			return SignalUnlocked, time.Time{}
		}
		return SignalLocked, FiletimeToTime(ticks)
	}

	if t, gtErr := ParseGeneralizedTime(raw); gtErr == nil {
		if t.Year() > 1601 {
			return SignalLocked, t
		}
		return SignalUnlocked, time.Time{}
	}

	skip(&AttributeError{Attribute: AttrLockoutTime, Value: raw, Cause: err})
	return SignalAbsent, time.Time{}
}

// badPasswordCount reads badPwdCount, defaulting to 0.
func badPasswordCount(entry *ldap.Entry, skip func(*AttributeError)) int {
	raw, ok := firstValue(entry, AttrBadPwdCount)
	if !ok {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		skip(&AttributeError{Attribute: AttrBadPwdCount, Value: raw, Cause: err})
		return 0
	}

	return max(n, 0)
}

// Unlocker clears account lockouts.
type Unlocker struct{}

// NewUnlocker creates an Unlocker.
func NewUnlocker() *Unlocker {
	return &Unlocker{}
}

// Unlock replaces lockoutTime on targetDN with 0. A modify the server refuses
// is returned as a *WriteError carrying the server's description. Callers
// re-run CheckLock to observe the result.
func (u *Unlocker) Unlock(ctx context.Context, conn Connection, targetDN, logonName string) error {
	if strings.TrimSpace(targetDN) == "" {
		return errors.New("target DN cannot be empty")
	}
	if _, err := ldap.ParseDN(targetDN); err != nil {
		return fmt.Errorf("invalid target DN %q: %w", targetDN, err)
	}

	req := ldap.NewModifyRequest(targetDN, nil)
	req.Replace(AttrLockoutTime, []string{"0"})

	return LogOperation(ctx, "unlock", map[string]any{
		"dn":         targetDN,
		"logon_name": logonName,
	}, func() error {
		err := conn.Modify(req)
		if err == nil {
			return nil
		}
		if isServerRejection(err) {
			return newWriteError(targetDN, AttrLockoutTime, err)
		}
		return NewLDAPError("modify", targetDN, err)
	})
}

// isServerRejection reports whether err is a result the server sent, as
// opposed to a client-side or transport failure.
func isServerRejection(err error) bool {
	if isInterrupted(err) {
		return false
	}

	var resultErr *ldap.Error
	if !errors.As(err, &resultErr) {
		return false
	}

	return resultErr.ResultCode != ldap.LDAPResultSuccess && resultErr.ResultCode < ldap.ErrorNetwork
}
