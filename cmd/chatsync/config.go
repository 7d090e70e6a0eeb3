package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	configShowCmd.Flags().BoolVar(&configEffective, "effective", false, "Apply .env and CHATSYNC_* overrides before printing")
}

// secretKeys are the dotted keys whose values are never echoed in full.
var secretKeys = map[string]bool{
	"default.api_key":      true,
	"auth.access_token":    true,
	"store.redis_password": true,
}

// redacted returns a copy of cfg with credentials masked. Unset values stay
// empty so the output still shows what is missing.
func redacted(cfg Config) Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return maskKey(s)
	}
	cfg.Default.APIKey = mask(cfg.Default.APIKey)
	cfg.Auth.AccessToken = mask(cfg.Auth.AccessToken)
	cfg.Store.RedisPassword = mask(cfg.Store.RedisPassword)
	return cfg
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && !configEffective {
			fmt.Println("No configuration file found. Run 'chatsync init <base-url> <api-key>' to create one.")
			return nil
		}

		load := readConfigFile
		if configEffective {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return fmt.Errorf("cannot read config file: %w", err)
		}

		out := redacted(*cfg)
		if jsonOutput {
			printJSON(out)
			return nil
		}
		data, err := toml.Marshal(out)
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set store.driver sqlite",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
