package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentx/raven-backend/internal/auth"
	"github.com/agentx/raven-backend/internal/config"
)

// createtoken mints a development access token signed with the configured
// secret, for calling /api/chat and /ws/chat locally.
func main() {
	userID := flag.String("user", "", "user id to put in the token")
	name := flag.String("name", "", "display name used to personalize replies")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: createtoken -user <id> [-name <name>] [-ttl 24h]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = "change-me-in-production" // Same default as the server
	}

	token, err := auth.NewJWTService(secret, cfg.Auth.Issuer).GenerateAccessToken(*userID, *name, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Access token for %s:\n", *userID)
	fmt.Println(token)
	fmt.Println("\nUse it as:")
	fmt.Printf("curl -N -H 'Authorization: Bearer %s' -d '{\"chat_id\":\"demo\",\"message\":\"hello\"}' -H 'Content-Type: application/json' http://localhost:%d/api/chat\n", token, cfg.Server.Port)
}
