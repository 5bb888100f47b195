package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"llm_broker/internal/auth"
	"llm_broker/internal/config"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <team-id>",
	Short: "Mint a bearer token for a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	teamID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid team id: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ttl := cfg.Auth.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}

	token, expiresAt, err := auth.NewIssuer([]byte(cfg.Auth.JWTSecret), ttl).GenerateTeamToken(teamID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
