// Command ad-unlock looks up Active Directory accounts, reports their lockout
// state and clears lockouts, either from the command line or as an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	directoryFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Directory endpoint (ldap:// or ldaps:// URI)",
			EnvVars: []string{"AD_UNLOCK_SERVER"},
		},
		&cli.StringFlag{
			Name:    "base-dn",
			Usage:   "Search base for account lookups",
			EnvVars: []string{"AD_UNLOCK_BASE_DN"},
		},
		&cli.StringFlag{
			Name:    "bind-user",
			Usage:   "Bind identity (DN, UPN or principal name)",
			EnvVars: []string{"AD_UNLOCK_BIND_USER"},
		},
		&cli.StringFlag{
			Name:    "bind-password",
			Usage:   "Bind password",
			EnvVars: []string{"AD_UNLOCK_BIND_PASSWORD"},
		},
	}

	return &cli.App{
		Name:    "ad-unlock",
		Usage:   "Look up Active Directory accounts and clear lockouts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "The path to config file",
				EnvVars: []string{"AD_UNLOCK_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error, off)",
				EnvVars: []string{"AD_UNLOCK_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Usage:   "HTTP listen address",
						EnvVars: []string{"AD_UNLOCK_LISTEN"},
					},
					&cli.BoolFlag{
						Name:    "cookie-secure",
						Usage:   "Always mark the session cookie Secure",
						EnvVars: []string{"AD_UNLOCK_COOKIE_SECURE"},
					},
				},
				Action: serveAction,
			},
			{
				Name:   "test-bind",
				Usage:  "Check that the directory settings can bind",
				Flags:  directoryFlags,
				Action: testBindAction,
			},
			{
				Name:      "lookup",
				Usage:     "Show the profile of an account",
				ArgsUsage: "<logon name>",
				Flags:     directoryFlags,
				Action:    lookupAction,
			},
			{
				Name:      "check",
				Usage:     "Show the lockout state of an account",
				ArgsUsage: "<logon name>",
				Flags:     directoryFlags,
				Action:    checkAction,
			},
			{
				Name:      "unlock",
				Usage:     "Clear the lockout of an account",
				ArgsUsage: "<logon name>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "dn",
						Usage: "Distinguished name to unlock; looked up from the logon name when omitted",
					},
				}, directoryFlags...),
				Action: unlockAction,
			},
		},
	}
}
