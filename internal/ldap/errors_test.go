package ldap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLDAPError(t *testing.T) {
	tests := []struct {
		name          string
		operation     string
		err           error
		wantNil       bool
		wantCode      uint16
		wantCategory  ErrorCategory
		wantRetryable bool
		wantServerMsg string
	}{
		{
			name:      "nil error",
			operation: "search",
			err:       nil,
			wantNil:   true,
		},
		{
			name:          "ldap error",
			operation:     "search",
			err:           ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("0000208D: NameErr")),
			wantCode:      ldap.LDAPResultNoSuchObject,
			wantCategory:  ErrorCategoryNotFound,
			wantServerMsg: "0000208D: NameErr",
		},
		{
			name:          "busy server",
			operation:     "search",
			err:           ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy")),
			wantCode:      ldap.LDAPResultBusy,
			wantCategory:  ErrorCategoryServer,
			wantRetryable: true,
			wantServerMsg: "server busy",
		},
		{
			name:          "generic error",
			operation:     "modify",
			err:           errors.New("connection refused"),
			wantCategory:  ErrorCategoryConnection,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewLDAPError(tt.operation, testBaseDN, tt.err)

			if tt.wantNil {
				assert.Nil(t, result)
				return
			}

			require.NotNil(t, result)
			assert.Equal(t, tt.operation, result.Operation)
			assert.Equal(t, testBaseDN, result.DN)
			assert.Equal(t, tt.wantCode, result.LDAPCode)
			assert.Equal(t, tt.wantCategory, result.Category)
			assert.Equal(t, tt.wantRetryable, result.IsRetryable())
			assert.Equal(t, tt.wantServerMsg, result.ServerMsg)
			assert.ErrorIs(t, result, tt.err)
		})
	}
}

func TestLDAPError_Error(t *testing.T) {
	tests := []struct {
		name    string
		ldapErr *LDAPError
		want    string
	}{
		{
			name: "basic error",
			ldapErr: &LDAPError{
				Operation: "search",
				Message:   "operation failed",
			},
			want: "LDAP search failed - operation failed",
		},
		{
			name: "error with code",
			ldapErr: &LDAPError{
				Operation: "search",
				LDAPCode:  ldap.LDAPResultNoSuchObject,
				Message:   "No Such Object",
			},
			want: "LDAP search failed (code 32) - No Such Object",
		},
		{
			name: "error with server message",
			ldapErr: &LDAPError{
				Operation: "modify",
				Message:   "Insufficient Access Rights",
				ServerMsg: "00002098: SecErr",
			},
			want: "LDAP modify failed - Insufficient Access Rights - server: 00002098: SecErr",
		},
		{
			name: "server message equal to message is not repeated",
			ldapErr: &LDAPError{
				Operation: "search",
				Message:   "connection refused",
				ServerMsg: "connection refused",
			},
			want: "LDAP search failed - connection refused",
		},
		{
			name: "error with DN",
			ldapErr: &LDAPError{
				Operation: "search",
				Message:   "access denied",
				DN:        "OU=Users,DC=example,DC=com",
			},
			want: "LDAP search failed - access denied - DN: OU=Users,DC=example,DC=com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ldapErr.Error())
		})
	}
}

func TestNotFoundError(t *testing.T) {
	var err error = fmt.Errorf("lookup: %w", &NotFoundError{LogonName: "jdoe"})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "lookup: account 'jdoe' not found", err.Error())
	assert.Equal(t, ErrorCategoryNotFound, GetErrorCategory(err))
	assert.NotErrorIs(t, errors.New("account not found"), ErrNotFound)
}

func TestNewWriteError(t *testing.T) {
	const dn = "CN=John Doe,OU=Users,DC=example,DC=com"

	tests := []struct {
		name            string
		err             error
		wantCode        uint16
		wantDescription string
	}{
		{
			name:            "server result with diagnostic",
			err:             ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("00002098: SecErr: DSID-03150F94")),
			wantCode:        ldap.LDAPResultInsufficientAccessRights,
			wantDescription: "Insufficient Access Rights: 00002098: SecErr: DSID-03150F94",
		},
		{
			name:            "server result without diagnostic",
			err:             ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("")),
			wantCode:        ldap.LDAPResultUnwillingToPerform,
			wantDescription: "Unwilling To Perform",
		},
		{
			name:            "plain error",
			err:             errors.New("modify refused"),
			wantDescription: "modify refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeErr := newWriteError(dn, AttrLockoutTime, tt.err)

			assert.Equal(t, dn, writeErr.DN)
			assert.Equal(t, AttrLockoutTime, writeErr.Attribute)
			assert.Equal(t, tt.wantCode, writeErr.ResultCode)
			assert.Equal(t, tt.wantDescription, writeErr.Description)
			assert.Equal(t, tt.wantDescription, writeErr.Error())
			assert.ErrorIs(t, writeErr, tt.err)
		})
	}
}

func TestConnectionError(t *testing.T) {
	tests := []struct {
		name          string
		stage         string
		cause         error
		wantRetryable bool
		wantMessage   string
	}{
		{
			name:          "refused dial is retryable",
			stage:         "dial",
			cause:         errors.New("dial tcp 10.0.0.1:389: connection refused"),
			wantRetryable: true,
			wantMessage:   "ldap://dc.example.com:389 dial failed: dial tcp 10.0.0.1:389: connection refused",
		},
		{
			name:        "bad URL is not retryable",
			stage:       "dial",
			cause:       errors.New("unsupported scheme"),
			wantMessage: "ldap://dc.example.com:389 dial failed: unsupported scheme",
		},
		{
			name:        "bind rejection is never retryable",
			stage:       "bind",
			cause:       errors.New("connection reset by peer"),
			wantMessage: "ldap://dc.example.com:389 bind failed: connection reset by peer",
		},
		{
			name:        "no cause",
			stage:       "starttls",
			wantMessage: "ldap://dc.example.com:389 starttls failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *ConnectionError
			if tt.cause == nil {
				err = &ConnectionError{Server: "ldap://dc.example.com:389", Stage: tt.stage}
			} else {
				err = NewConnectionError("ldap://dc.example.com:389", tt.stage, tt.cause)
			}

			assert.Equal(t, tt.wantRetryable, err.IsRetryable())
			assert.Equal(t, tt.wantRetryable, IsRetryableError(err))
			assert.Equal(t, tt.wantMessage, err.Error())
			assert.Equal(t, ErrorCategoryConnection, GetErrorCategory(err))
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		want ErrorCategory
	}{
		{"invalid credentials", ldap.LDAPResultInvalidCredentials, ErrorCategoryAuthentication},
		{"strong auth required", ldap.LDAPResultStrongAuthRequired, ErrorCategoryAuthentication},
		{"insufficient access", ldap.LDAPResultInsufficientAccessRights, ErrorCategoryPermission},
		{"unwilling to perform", ldap.LDAPResultUnwillingToPerform, ErrorCategoryPermission},
		{"no such object", ldap.LDAPResultNoSuchObject, ErrorCategoryNotFound},
		{"constraint violation", ldap.LDAPResultConstraintViolation, ErrorCategoryValidation},
		{"invalid DN syntax", ldap.LDAPResultInvalidDNSyntax, ErrorCategoryValidation},
		{"busy", ldap.LDAPResultBusy, ErrorCategoryServer},
		{"unavailable", ldap.LDAPResultUnavailable, ErrorCategoryServer},
		{"network error", ldap.ErrorNetwork, ErrorCategoryConnection},
		{"timeout", ldap.LDAPResultTimeout, ErrorCategoryConnection},
		{"entry already exists", ldap.LDAPResultEntryAlreadyExists, ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := categorizeError(tt.code); got != tt.want {
				t.Errorf("categorizeError(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestCategorizeGenericError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"connection refused", errors.New("connection refused"), ErrorCategoryConnection},
		{"i/o timeout", errors.New("read tcp: i/o timeout"), ErrorCategoryConnection},
		{"bad password", errors.New("invalid password"), ErrorCategoryAuthentication},
		{"access denied", errors.New("access denied"), ErrorCategoryPermission},
		{"other", errors.New("something odd"), ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := categorizeGenericError(tt.err); got != tt.want {
				t.Errorf("categorizeGenericError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"busy result", ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy")), true},
		{"invalid credentials", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")), false},
		{"wrapped retryable LDAPError", fmt.Errorf("lookup: %w", NewLDAPError("search", "", ldap.NewError(ldap.LDAPResultUnavailable, errors.New("")))), true},
		{"generic retryable", errors.New("connection reset by peer"), true},
		{"generic non-retryable", errors.New("invalid syntax"), false},
		{"context canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil error", nil, ErrorCategoryUnknown},
		{"not found", &NotFoundError{LogonName: "x"}, ErrorCategoryNotFound},
		{"wrapped LDAPError", fmt.Errorf("x: %w", NewLDAPError("search", "", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("")))), ErrorCategoryPermission},
		{"raw result", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")), ErrorCategoryAuthentication},
		{"bind failure", NewConnectionError("ldap://dc", "bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("52e"))), ErrorCategoryAuthentication},
		{"generic", errors.New("connection refused"), ErrorCategoryConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCategory(tt.err))
		})
	}
}

func TestGetLDAPCodeMessage(t *testing.T) {
	assert.Equal(t, ldap.LDAPResultCodeMap[ldap.LDAPResultInvalidCredentials], getLDAPCodeMessage(ldap.LDAPResultInvalidCredentials))
	assert.Equal(t, "Unknown LDAP error (code 9999)", getLDAPCodeMessage(9999))
}
