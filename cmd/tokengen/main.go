// Command tokengen issues an operator bearer token for the admin API.
//
//	tokengen -operator alice
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"tipledger/config"
	"tipledger/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("TIPLEDGER_CONFIG"), "config file path")
	operator := flag.String("operator", "", "operator id recorded in the audit log")
	expiry := flag.Duration("expiry", 0, "token lifetime (default jwt.expiry)")
	flag.Parse()

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "-operator is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWT.Secret == "" {
		fmt.Fprintln(os.Stderr, "jwt.secret is not set")
		os.Exit(1)
	}
	lifetime := cfg.JWT.Expiry
	if *expiry > 0 {
		lifetime = *expiry
	}

	token, expiresAt, err := service.NewJWTTokenService(cfg.JWT.Secret, lifetime, cfg.JWT.Issuer).Generate(*operator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
}
