package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/urfave/cli/v2"

	"github.com/isometry/ad-unlock/internal/config"
	"github.com/isometry/ad-unlock/internal/ldap"
	"github.com/isometry/ad-unlock/internal/server"
	"github.com/isometry/ad-unlock/internal/service"
	"github.com/isometry/ad-unlock/internal/session"
)

// subsystems are registered on the root logger at the configured level.
var subsystems = []string{ldap.Subsystem, session.Subsystem, service.Subsystem, server.Subsystem}

// env is everything a command needs, built from config file and flags.
type env struct {
	ctx     context.Context
	config  *config.Config
	service *service.Service
	closers []func()
}

func (r *env) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newEnv loads the config file, applies flag overrides, and wires the
// logger, connector and service.
func newEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("cookie-secure") {
		cfg.Session.CookieSecure = c.Bool("cookie-secure")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.Level()
	ctx := newLoggingContext(c.Context, level)

	connConfig, _ := cfg.ConnectionConfig()
	dialer, err := ldap.NewDialer(connConfig)
	if err != nil {
		return nil, err
	}

	r := &env{ctx: ctx, config: cfg}

	var connector ldap.Connector = dialer
	if cfg.LDAP.Pool.Enabled {
		pool, err := ldap.NewPool(ctx, dialer)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() { _ = pool.Close() })
		connector = pool
	}

	policy, _ := cfg.LockoutPolicy()
	r.service = service.New(connector, service.WithLockoutPolicy(policy))

	return r, nil
}

// newLoggingContext installs a JSON root logger on stderr, registers the
// subsystems and masks credential fields.
func newLoggingContext(ctx context.Context, level hclog.Level) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ad-unlock"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
	)
	ctx = tflog.MaskFieldValuesWithFieldKeys(ctx, ldap.SensitiveFieldKeys...)

	for _, name := range subsystems {
		ctx = tflog.NewSubsystem(ctx, name, tflog.WithLevel(level))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, name, ldap.SensitiveFieldKeys...)
	}

	return ctx
}

// directory resolves the directory preset from the config file and flags.
func (r *env) directory(c *cli.Context) ldap.DirectoryConfig {
	dir := r.config.DirectoryPreset()

	if c.IsSet("server") {
		dir.Server = c.String("server")
	}
	if c.IsSet("base-dn") {
		dir.BaseDN = c.String("base-dn")
	}
	if c.IsSet("bind-user") {
		dir.BindDN = c.String("bind-user")
	}
	if c.IsSet("bind-password") {
		dir.BindPassword = c.String("bind-password")
	}

	return dir
}

func serveAction(c *cli.Context) error {
	r, err := newEnv(c)
	if err != nil {
		return err
	}
	defer r.Close()

	ttl, cleanup, _ := r.config.SessionTimings()
	limit, burst, _ := r.config.SessionRateLimit()
	sessions := session.NewStore(r.ctx, ttl, cleanup, session.WithRateLimit(limit, burst))
	defer sessions.Close()

	ctx, stop := signal.NotifyContext(r.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(r.service, sessions, server.Options{CookieSecure: r.config.Session.CookieSecure})
	return srv.ListenAndServe(ctx, r.config.Listen)
}

func testBindAction(c *cli.Context) error {
	r, err := newEnv(c)
	if err != nil {
		return err
	}
	defer r.Close()

	result := r.service.TestBind(r.ctx, r.directory(c))
	return printResult(c, result, result.Success)
}

func lookupAction(c *cli.Context) error {
	username, err := logonName(c)
	if err != nil {
		return err
	}

	r, err := newEnv(c)
	if err != nil {
		return err
	}
	defer r.Close()

	result := r.service.Lookup(r.ctx, r.directory(c), username)
	return printResult(c, result, result.Success)
}

func checkAction(c *cli.Context) error {
	username, err := logonName(c)
	if err != nil {
		return err
	}

	r, err := newEnv(c)
	if err != nil {
		return err
	}
	defer r.Close()

	result := r.service.LockStatus(r.ctx, r.directory(c), username)
	return printResult(c, result, result.Success)
}

func unlockAction(c *cli.Context) error {
	username, err := logonName(c)
	if err != nil {
		return err
	}

	r, err := newEnv(c)
	if err != nil {
		return err
	}
	defer r.Close()

	dir := r.directory(c)

	dn := c.String("dn")
	if dn == "" {
		status := r.service.LockStatus(r.ctx, dir, username)
		if !status.Success {
			return printResult(c, service.UnlockResult{Message: status.Message}, false)
		}
		dn = status.UserDN
	}

	result := r.service.Unlock(r.ctx, dir, dn, username)
	return printResult(c, result, result.Success)
}

func logonName(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("exactly one logon name is required")
	}
	return c.Args().First(), nil
}

// printResult writes v as indented JSON and turns an unsuccessful result
// into exit status 1.
func printResult(c *cli.Context, v any, success bool) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}

	if !success {
		return cli.Exit("", 1)
	}
	return nil
}
