/*
Package ldap provides Active Directory account lookup and lockout administration.

# Architecture Overview

The package is organized into three core components:

  - Connector: opens a bound connection per logical operation (Dialer, Pool)
  - ProfileResolver: looks up an account and normalizes its attributes
  - LockoutEvaluator and Unlocker: read and clear the lockout state

# Connection Management

Every operation is connect, one search or modify, release. WithConnection
guarantees release on every exit path. The Dialer enforces a connect timeout
and a per-request timeout, and closes the socket when the caller's context is
cancelled. Binds use a password or, when a Kerberos realm is configured,
GSSAPI, generating a krb5.conf that names the bound server as KDC when the
host has none. Pool is an optional Connector that parks idle connections per
endpoint and bind identity and re-binds them on every checkout.

# Attribute Normalization

ProfileResolver reads a fixed, ordered AttributeSpec table. Each AttributeKind
decodes one Active Directory encoding:

  - GeneralizedTime and FILETIME timestamps, rendered as "2006-01-02 15:04:05" UTC
  - userAccountControl bitmasks, rendered with flag names
  - memberOf DN lists, reduced to relative names and truncated to MaxGroupsShown
  - binary objectSid and objectGUID

An undecodable value is logged as an AttributeError and skipped.

# Lockout Determination

Two attributes report lockout independently: the LOCKOUT bit of
msDS-User-Account-Control-Computed and a non-zero lockoutTime. Both readings are
returned as LockoutSignals and combined by ReconcileLockout under a
LockoutPolicy.

# Error Handling

  - ConnectionError: dial, StartTLS or bind failures
  - NotFoundError: the logon name matched nothing (errors.Is ErrNotFound)
  - WriteError: the server refused the unlock, with its description
  - LDAPError: categorized search failures

# Example Usage

	dialer, err := ldap.NewDialer(ldap.DefaultConfig())
	if err != nil {
		return err
	}

	var status *ldap.LockoutStatus
	err = ldap.WithConnection(ctx, dialer, cfg, func(conn ldap.Connection) error {
		status, err = ldap.NewLockoutEvaluator(ldap.PolicyEitherSignal).CheckLock(ctx, conn, cfg.BaseDN, "jdoe")
		return err
	})
*/
package ldap
