package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"podforge/internal/identity"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var tenantID, principalID string
	var ttlMinutes int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer credential for a tenant principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if tenantID == "" || principalID == "" {
				return fmt.Errorf("--tenant and --principal are required")
			}
			ttl := ttlMinutes
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTLMinutes
			}
			token, err := identity.Mint(cfg.Auth.JWTSecret, principalID, tenantID,
				time.Duration(ttl)*time.Minute, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier")
	cmd.Flags().StringVar(&principalID, "principal", "", "Principal (subject) identifier")
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 0, "Token lifetime in minutes (default from config)")
	return cmd
}
