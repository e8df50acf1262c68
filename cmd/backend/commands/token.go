package commands

import (
	"errors"
	"fmt"

	"github.com/biodoia/hacp/pkg/auth"
	"github.com/spf13/cobra"
)

// TokenCmd emette un token di accesso per il gateway
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for the gateway",
	Example: `  # Token for a team member
  hacp token --owner team-support --role team`,
	RunE: runToken,
}

var (
	tokenOwner string
	tokenRole  string
)

func init() {
	TokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "Owner id carried by the token")
	TokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleTeam, "Role (admin, team, public)")
	_ = TokenCmd.MarkFlagRequired("owner")
}

func runToken(cmd *cobra.Command, args []string) error {
	switch tokenRole {
	case auth.RoleAdmin, auth.RoleTeam, auth.RolePublic:
	default:
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	manager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:      cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		AccessDuration: cfg.Auth.TokenTTL,
	})
	token, err := manager.GenerateAccessToken(tokenOwner, tokenRole)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}
