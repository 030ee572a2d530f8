package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsync/opsync/internal/api"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var mintTokenCmd = &cobra.Command{
	Use:   "mint-token",
	Short: "Mint a bearer token for a user",
	Long: `Signs a token with OPSYNC_JWT_SECRET for testing and provisioning.
Production deployments should mint tokens from their identity provider.`,
	RunE: runMintToken,
}

func init() {
	mintTokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed in the token")
	mintTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(mintTokenCmd)
}

func runMintToken(cmd *cobra.Command, args []string) error {
	if tokenUser == "" {
		return fmt.Errorf("--user is required")
	}
	secret := os.Getenv("OPSYNC_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("OPSYNC_JWT_SECRET is not set")
	}
	token, err := api.MintToken(secret, tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
