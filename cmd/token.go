package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/backstage/plm/api"
	"example.com/backstage/plm/domain"
)

var (
	tokenUser  string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set")
		}
		token, err := api.NewAuthenticator(cfg.Auth).IssueToken(domain.Actor{ID: tokenUser, Roles: tokenRoles}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id")
	tokenCmd.Flags().StringSliceVarP(&tokenRoles, "role", "r", nil, "role, repeatable")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
