// Command devtoken prints a bearer token signed with AUTH_SECRET so the API
// can be exercised locally without the identity service.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"storeledger/backend/internal/config"
	"storeledger/backend/internal/httpapi"
	"storeledger/backend/internal/logging"
)

var roles = []string{"cashier", "manager", "admin"}

func main() {
	username := flag.String("user", "dev", "token subject")
	role := flag.String("role", "manager", "one of cashier, manager, admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	logging.Init("warn", "console")

	if cfg.Auth.Secret == "" {
		log.Fatal().Msg("AUTH_SECRET is not set")
	}
	if !slices.Contains(roles, *role) {
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	auth := httpapi.NewAuthManager(cfg.Auth.Secret, *ttl, "")
	token, expiresAt, err := auth.IssueToken(*username, *role)
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}
	fmt.Fprintln(os.Stdout, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
