// Package service is the operation boundary between callers and the
// directory. Every operation opens its own connection, performs one search or
// modify, and converts any failure into a {success: false, message} result.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ad-unlock/internal/ldap"
)

// Subsystem is the tflog subsystem operation results are logged under.
const Subsystem = "service"

// ConfigRequiredRedirect is where callers without a directory configuration are sent.
const ConfigRequiredRedirect = "/ldapinfo"

// Service runs directory operations for a caller-supplied DirectoryConfig.
type Service struct {
	connector ldap.Connector
	resolver  *ldap.ProfileResolver
	evaluator *ldap.LockoutEvaluator
	unlocker  *ldap.Unlocker
}

// Option configures a Service.
type Option func(*Service)

// WithProfileAttributes replaces the default attribute table used by Lookup.
func WithProfileAttributes(table []ldap.AttributeSpec) Option {
	return func(s *Service) {
		s.resolver = ldap.NewProfileResolver(table)
	}
}

// WithLockoutPolicy sets how LockStatus reconciles the two lockout signals.
func WithLockoutPolicy(policy ldap.LockoutPolicy) Option {
	return func(s *Service) {
		s.evaluator = ldap.NewLockoutEvaluator(policy)
	}
}

// New creates a Service opening connections through connector.
func New(connector ldap.Connector, opts ...Option) *Service {
	s := &Service{
		connector: connector,
		resolver:  ldap.NewProfileResolver(nil),
		evaluator: ldap.NewLockoutEvaluator(ldap.PolicyEitherSignal),
		unlocker:  ldap.NewUnlocker(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TestBindResult reports whether a DirectoryConfig can bind.
type TestBindResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LookupResult carries a normalized account profile.
type LookupResult struct {
	Success    bool          `json:"success"`
	Found      bool          `json:"found"`
	Message    string        `json:"message,omitempty"`
	Username   string        `json:"username,omitempty"`
	Attributes *ldap.Profile `json:"attributes,omitempty"`
}

// LockStatusResult carries the lockout state of an account.
type LockStatusResult struct {
	Success     bool                 `json:"success"`
	Found       bool                 `json:"found"`
	Message     string               `json:"message,omitempty"`
	Username    string               `json:"username,omitempty"`
	UserDN      string               `json:"user_dn,omitempty"`
	DisplayName string               `json:"display_name,omitempty"`
	Email       string               `json:"email,omitempty"`
	Department  string               `json:"department,omitempty"`
	IsLocked    bool                 `json:"is_locked"`
	LockoutTime *string              `json:"lockout_time"`
	BadPwdCount int                  `json:"bad_pwd_count"`
	Signals     *ldap.LockoutSignals `json:"signals,omitempty"`
}

// UnlockResult reports the outcome of an unlock.
type UnlockResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestBind validates cfg by opening and releasing one connection.
func (s *Service) TestBind(ctx context.Context, cfg ldap.DirectoryConfig) TestBindResult {
	ok, detail := ldap.TestBind(ctx, s.connector, cfg)

	tflog.SubsystemInfo(ctx, Subsystem, "Connection test finished", map[string]any{
		"server":    cfg.Server,
		"bind_user": cfg.BindDN,
		"success":   ok,
	})

	if !ok {
		return TestBindResult{Message: "LDAP connection test failed: " + detail}
	}
	return TestBindResult{Success: true, Message: detail}
}

// Lookup resolves the profile of username.
func (s *Service) Lookup(ctx context.Context, cfg ldap.DirectoryConfig, username string) LookupResult {
	var profile *ldap.Profile

	err := ldap.WithConnection(ctx, s.connector, cfg, func(conn ldap.Connection) error {
		var err error
		profile, err = s.resolver.Resolve(ctx, conn, cfg.BaseDN, username)
		return err
	})
	if err != nil {
		return LookupResult{Message: failureMessage(err)}
	}

	return LookupResult{
		Success:    true,
		Found:      true,
		Username:   username,
		Attributes: profile,
	}
}

// LockStatus evaluates the lockout state of username.
func (s *Service) LockStatus(ctx context.Context, cfg ldap.DirectoryConfig, username string) LockStatusResult {
	var status *ldap.LockoutStatus

	err := ldap.WithConnection(ctx, s.connector, cfg, func(conn ldap.Connection) error {
		var err error
		status, err = s.evaluator.CheckLock(ctx, conn, cfg.BaseDN, username)
		return err
	})
	if err != nil {
		return LockStatusResult{Message: failureMessage(err)}
	}

	signals := status.Signals
	return LockStatusResult{
		Success:     true,
		Found:       true,
		Username:    username,
		UserDN:      status.DistinguishedName,
		DisplayName: status.DisplayName,
		Email:       status.Email,
		Department:  status.Department,
		IsLocked:    status.IsLocked,
		LockoutTime: status.LockoutTime,
		BadPwdCount: status.BadPasswordCount,
		Signals:     &signals,
	}
}

// Unlock clears the lockout of userDN. The DN must lie within cfg.BaseDN.
func (s *Service) Unlock(ctx context.Context, cfg ldap.DirectoryConfig, userDN, username string) UnlockResult {
	if err := withinBase(cfg.BaseDN, userDN); err != nil {
		return UnlockResult{Message: "unlock failed: " + err.Error()}
	}

	err := ldap.WithConnection(ctx, s.connector, cfg, func(conn ldap.Connection) error {
		return s.unlocker.Unlock(ctx, conn, userDN, username)
	})

	fields := map[string]any{
		"dn":        userDN,
		"username":  username,
		"bind_user": cfg.BindDN,
		"success":   err == nil,
	}
	tflog.SubsystemInfo(ctx, Subsystem, "Unlock attempted", fields)

	if err != nil {
		var writeErr *ldap.WriteError
		if errors.As(err, &writeErr) {
			return UnlockResult{Message: "unlock failed: " + writeErr.Description}
		}
		return UnlockResult{Message: failureMessage(err)}
	}

	return UnlockResult{
		Success: true,
		Message: fmt.Sprintf("account '%s' unlocked", username),
	}
}

// failureMessage renders err for the caller without leaking protocol structure.
func failureMessage(err error) string {
	var notFound *ldap.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "operation cancelled: " + err.Error()
	case strings.HasPrefix(err.Error(), "invalid logon name"):
		return err.Error()
	default:
		return "LDAP connection error: " + err.Error()
	}
}

// withinBase rejects target DNs outside the configured search base.
func withinBase(baseDN, targetDN string) error {
	target, err := goldap.ParseDN(targetDN)
	if err != nil || strings.TrimSpace(targetDN) == "" {
		return fmt.Errorf("invalid user DN %q", targetDN)
	}

	base, err := goldap.ParseDN(baseDN)
	if err != nil {
		return fmt.Errorf("invalid base DN %q", baseDN)
	}

	if !base.EqualFold(target) && !base.AncestorOfFold(target) {
		return fmt.Errorf("user DN %q is outside base DN %q", targetDN, baseDN)
	}

	return nil
}
