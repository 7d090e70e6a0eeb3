package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initToken string
	initOwner string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initToken, "token", "", "User access token (JWT)")
	initCmd.Flags().StringVar(&initOwner, "owner", "", "Owner ID of the signed-in user")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <api-key>",
	Short: "Store project credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the project URL and API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Default.APIKey = args[1]
		if initToken != "" {
			cfg.Auth.AccessToken = initToken
		}
		if initOwner != "" {
			cfg.Auth.OwnerID = initOwner
		}
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = "pebble"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "ws"
			cfg.Realtime.AutoReconnect = true
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
