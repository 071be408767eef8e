// Command mint-token prints a signed subscriber token for the broadcast
// server.
package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"whale-backend/internal/auth"
)

type options struct {
	Secret      string        `long:"secret" env:"TOKEN_SECRET" description:"Token signing secret (shared with the server)"`
	ClientID    string        `long:"client" required:"true" description:"Client id carried in the token"`
	Permissions string        `long:"perms" default:"read" description:"Comma separated permissions (read, write)"`
	TTL         time.Duration `long:"ttl" default:"24h" description:"Token lifetime"`
}

func main() {
	// Same .env the server reads, so TOKEN_SECRET need not be repeated.
	_ = godotenv.Load()

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	perms, err := auth.ParsePermissions(opts.Permissions)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	signer, err := auth.NewSigner([]byte(opts.Secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := signer.Mint(opts.ClientID, perms, opts.TTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
