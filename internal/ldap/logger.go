package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem every directory operation logs under.
const Subsystem = "ldap"

// SensitiveFieldKeys are log field keys whose values are masked by the root logger.
var SensitiveFieldKeys = []string{"password", "bind_password", "secret", "token", "credential"}

// LogOperation logs an operation with timing.
func LogOperation(ctx context.Context, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, Subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		tflog.SubsystemDebug(ctx, Subsystem, "Operation completed successfully", fields)
	case errors.Is(err, ErrNotFound):
		tflog.SubsystemInfo(ctx, Subsystem, "Operation found no entry", fields)
	default:
		LogLDAPError(ctx, operation, err, fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(GetErrorCategory(err))

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, Subsystem, "LDAP operation failed", SanitizeFields(fields))
}

// LogAttributeError logs an attribute that was skipped because it could not be decoded.
func LogAttributeError(ctx context.Context, dn string, err *AttributeError) {
	tflog.SubsystemWarn(ctx, Subsystem, "Skipping undecodable attribute", map[string]any{
		"dn":        dn,
		"attribute": err.Attribute,
		"error":     err.Cause.Error(),
	})
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event
	fields = SanitizeFields(fields)

	switch event {
	case "connection_established", "connection_reused":
		tflog.SubsystemInfo(ctx, Subsystem, "Connection event", fields)
	case "connection_failed", "authentication_failed":
		tflog.SubsystemError(ctx, Subsystem, "Connection event", fields)
	case "connection_closed", "connection_cancelled", "connection_evicted":
		tflog.SubsystemTrace(ctx, Subsystem, "Connection event", fields)
	default:
		tflog.SubsystemDebug(ctx, Subsystem, "Connection event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		switch {
		case isSensitiveKey(k):
			sanitized[k] = "[REDACTED]"
		case containsSensitivePattern(v):
			sanitized[k] = "[REDACTED]"
		default:
			sanitized[k] = v
		}
	}

	return sanitized
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range SensitiveFieldKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// containsSensitivePattern checks if a string value looks like it embeds a secret.
func containsSensitivePattern(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "secret=", "token="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
