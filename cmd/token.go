// cmd/token.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development access token",
	Long:  `Mints a signed JWT for a user using RENTRT_JWT_SECRET. Use --service for a service_role token that may notify any user.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		service, _ := cmd.Flags().GetBool("service")

		issuer, err := auth.NewIssuer(jwtSecret())
		if err != nil {
			return err
		}
		role := auth.RoleUser
		if service {
			role = auth.RoleService
		}
		token, err := issuer.Mint(args[0], name, role, ttl)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("name", "", "Display name carried in the token")
	tokenCmd.Flags().Duration("ttl", auth.AccessTokenExpiry, "Token lifetime")
	tokenCmd.Flags().Bool("service", false, "Mint a service_role token")
}
