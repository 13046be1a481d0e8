// Command tokengen issues a session token for local testing against
// cmd/wsserver.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/teamchat/chat-app/internal/auth"
)

func main() {
	fs := flag.NewFlagSet("tokengen", flag.ExitOnError)
	userID := fs.String("user", "", "User id (UUID) to issue the token for")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret; defaults to $JWT_SECRET")
	issuer := fs.String("issuer", os.Getenv("JWT_ISSUER"), "Issuer claim; defaults to $JWT_ISSUER")
	fs.Parse(os.Args[1:])

	if _, err := uuid.Parse(*userID); err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: -user must be a UUID: %v\n", err)
		os.Exit(2)
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -secret or JWT_SECRET is required")
		os.Exit(2)
	}

	token, err := auth.NewIssuer([]byte(*secret), *issuer).Issue(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
