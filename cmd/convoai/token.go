package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/config"
)

func newTokenCommand(configPath *string) *cobra.Command {
	var subject string
	var roles string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured verification key",
		Long:  "token is admin tooling and test-fixture support: it signs a token the Identity Verifier will accept, without running the conversation plane.",
		RunE:  func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			verifier := auth.NewService(auth.Config{
				VerificationKey: cfg.Auth.VerificationKey,
				TokenExpiry:     cfg.Auth.TokenExpiry,
			})
			token, err := verifier.GenerateToken(subject, splitRoles(roles))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject (user ID) the token authenticates")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles to embed in the token")
	return cmd
}

func splitRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
