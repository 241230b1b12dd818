package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// performKerberosAuth performs a GSSAPI bind on conn as the DirectoryConfig's bind identity.
func performKerberosAuth(conn *ldap.Conn, cfg *ConnectionConfig, dir DirectoryConfig, serverInfo *ServerInfo) error {
	principal, realm, err := kerberosPrincipal(cfg, dir.BindDN)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(cfg, principal, realm, dir.BindPassword, serverInfo.Host)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// kerberosPrincipal splits "user@REALM" bind identities and falls back to the configured realm.
func kerberosPrincipal(cfg *ConnectionConfig, bindUser string) (string, string, error) {
	principal := strings.TrimSpace(bindUser)
	realm := cfg.KerberosRealm

	if user, userRealm, ok := strings.Cut(principal, "@"); ok {
		principal = user
		if userRealm != "" {
			realm = userRealm
		}
	}

	if principal == "" {
		return "", "", fmt.Errorf("principal is required for Kerberos authentication")
	}
	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required")
	}

	return principal, strings.ToUpper(realm), nil
}

// createGSSAPIClient creates a GSSAPI client, preferring a keytab over the bind password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm, password, kdcHost string) (*gssapi.Client, error) {
	krb5conf, err := loadKrb5Config(cfg, realm, kdcHost)
	if err != nil {
		return nil, err
	}

	if cfg.KerberosKeytab != "" {
		if !fileExists(cfg.KerberosKeytab) {
			return nil, fmt.Errorf("kerberos keytab not found at %s", cfg.KerberosKeytab)
		}
		kt, err := keytab.Load(cfg.KerberosKeytab)
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab: %w", err)
		}
		return &gssapi.Client{
			Client: krb5client.NewWithKeytab(principal, realm, kt, krb5conf, krb5client.DisablePAFXFAST(true)),
		}, nil
	}

	if password != "" {
		return &gssapi.Client{
			Client: krb5client.NewWithPassword(principal, realm, password, krb5conf, krb5client.DisablePAFXFAST(true)),
		}, nil
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg != nil && cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return fmt.Sprintf("ldap/%s", serverInfo.Host), nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
