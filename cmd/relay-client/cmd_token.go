package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/jwt"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development credential signed with the relay's JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("name", "", "Display name carried in the credential")
	tokenCmd.Flags().Duration("ttl", constants.DevTokenTTL, "Credential lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		return fmt.Errorf("refusing to mint credentials with a production configuration")
	}

	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = constants.DevTokenTTL
	}

	manager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.Issuer, ttl)
	token, err := manager.GenerateToken(args[0], name)
	if err != nil {
		return fmt.Errorf("failed to mint credential: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(ttl).Format(time.RFC3339))
	return nil
}
