package main

import (
	"fmt"

	parley "github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.parley/config.toml",
	Long:  "Initialize the Parley CLI by storing your access token and the identity derived from it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if id, err := parley.IdentityFromToken(token); err == nil {
			cfg.Auth.UserID = id.UserID
			cfg.Auth.Username = id.Username
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.Username != "" {
			fmt.Printf("Signed in as %s (%s)\n", cfg.Auth.Username, cfg.Auth.UserID)
		}
		return nil
	},
}
