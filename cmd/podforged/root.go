package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"podforge/internal/config"
)

type commandContext struct {
	configFlag *string
	serverFlag *string
	tokenFlag  *string

	cfg *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	c.cfg = &cfg
	return c.cfg, nil
}

func (c *commandContext) serverURL() (string, error) {
	if *c.serverFlag != "" {
		return strings.TrimRight(*c.serverFlag, "/"), nil
	}
	if env := os.Getenv("PODFORGE_SERVER"); env != "" {
		return strings.TrimRight(env, "/"), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.Bind, nil
}

func (c *commandContext) bearerToken() (string, error) {
	if *c.tokenFlag != "" {
		return *c.tokenFlag, nil
	}
	if env := os.Getenv("PODFORGE_TOKEN"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no credential: pass --token or set PODFORGE_TOKEN")
}

func (c *commandContext) client() (*apiClient, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}
	return newAPIClient(base, token), nil
}

func newRootCommand() *cobra.Command {
	var configFlag, serverFlag, tokenFlag string

	ctx := &commandContext{
		configFlag: &configFlag,
		serverFlag: &serverFlag,
		tokenFlag:  &tokenFlag,
	}

	rootCmd := &cobra.Command{
		Use:           "podforged",
		Short:         "Podforge podcast generation daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Daemon base URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer credential (default $PODFORGE_TOKEN)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
