package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/dartcloud/dartcloud/internal/auth"
)

// tokenCmd mints a bearer token for an owner, for bootstrapping and local
// development. The secret comes from JWT_SECRET.
func tokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a management bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}

			token, err := auth.IssueBearer(secret, owner, jwt.MapClaims{
				"exp": time.Now().Add(ttl).Unix(),
				"iat": time.Now().Unix(),
			})
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "anonymous", "Owner id to embed as the subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
