// Command token mints a session token for local testing and operations.
//
// Usage:
//
//	JWT_SECRET=... go run ./cmd/token -user usr_buyer
//	JWT_SECRET=... go run ./cmd/token -user mod_1 -role MODERATOR -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/config"
)

func main() {
	user := flag.String("user", "", "actor ID to embed in the token (required)")
	role := flag.String("role", string(auth.RoleUser), "USER, MODERATOR or ADMIN")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	r, err := auth.ParseRole(*role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	tok, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer).Issue(auth.Actor{ID: *user, Role: r}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
