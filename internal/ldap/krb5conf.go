package ldap

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// defaultKrb5ConfPath is read when no Kerberos config path is configured.
var defaultKrb5ConfPath = "/etc/krb5.conf"

// kdcPort is the Kerberos port every domain controller listens on.
const kdcPort = 88

// loadKrb5Config returns the Kerberos configuration used for realm. An
// explicit ConnectionConfig.KerberosConfig must exist. Without one the system
// krb5.conf is used when present, and otherwise a configuration naming
// kdcHost, the domain controller being bound to, as the realm's only KDC.
func loadKrb5Config(cfg *ConnectionConfig, realm, kdcHost string) (*krb5config.Config, error) {
	if path := cfg.KerberosConfig; path != "" {
		if !fileExists(path) {
			return nil, fmt.Errorf("kerberos configuration file not found at %s", path)
		}
		return krb5config.Load(path)
	}

	if fileExists(defaultKrb5ConfPath) {
		return krb5config.Load(defaultKrb5ConfPath)
	}

	conf, err := runtimeKrb5Conf(realm, kdcHost)
	if err != nil {
		return nil, err
	}
	return krb5config.NewFromString(conf)
}

// runtimeKrb5Conf renders a minimal krb5.conf for realm with kdcHost as KDC.
// TCP is forced since AD tickets routinely exceed a UDP datagram.
func runtimeKrb5Conf(realm, kdcHost string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required")
	}
	if kdcHost == "" {
		return "", fmt.Errorf("KDC host is required when no krb5.conf is available")
	}

	realm = strings.ToUpper(realm)
	domain := strings.ToLower(realm)
	kdc := net.JoinHostPort(kdcHost, strconv.Itoa(kdcPort))

	return fmt.Sprintf(`[libdefaults]
  default_realm = %s
  dns_lookup_kdc = false
  dns_lookup_realm = false
  rdns = false
  udp_preference_limit = 1

[realms]
  %s = {
    kdc = %s
  }

[domain_realm]
  .%s = %s
  %s = %s
`,
		realm,
		realm, kdc,
		domain, realm,
		domain, realm,
	), nil
}
