// Command firewall-token mints bearer tokens for local development, signed
// with the same JWT_SECRET and JWT_ISSUER the API validates against.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/upb/prompt-firewall/auth"
	"github.com/upb/prompt-firewall/config"
	"github.com/upb/prompt-firewall/models"
)

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("firewall-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "dev", "user id (sub claim)")
	tenant := fs.String("tenant", models.DefaultTenantID, "tenant id")
	role := fs.String("role", string(models.RoleAdmin), "user, admin or super_admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	caller := models.Caller{UserID: *user, TenantID: *tenant, Role: models.Role(*role)}
	switch caller.Role {
	case models.RoleUser, models.RoleAdmin, models.RoleSuperAdmin:
	default:
		fmt.Fprintf(stderr, "unknown role %q\n", *role)
		return 2
	}
	if *ttl <= 0 {
		fmt.Fprintln(stderr, "ttl must be positive")
		return 2
	}

	cfg, err := config.New(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	token, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, *ttl).Sign(caller)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
