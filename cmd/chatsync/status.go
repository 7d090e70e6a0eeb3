package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local cache and offline queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Owner ID:    %s\n", valueOrDefault(cfg.Auth.OwnerID, "(not set)"))
		if cfg.Auth.AccessToken != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.AccessToken))
		} else {
			fmt.Println("  Token:       (anonymous)")
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Store.Driver, "pebble"))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Realtime.Transport, "ws"))

		if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
			return nil
		}

		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		threads := s.engine.Threads()
		queued := s.engine.PendingActions()
		fmt.Println()
		fmt.Println("Local state:")
		fmt.Printf("  Cached threads: %s\n", humanize.Comma(int64(len(threads))))
		fmt.Printf("  Queued writes:  %s\n", humanize.Comma(int64(len(queued))))
		if len(queued) > 0 {
			fmt.Printf("  Oldest queued:  %s\n", age(queued[0].EnqueuedAt))
		}

		if offline || cfg.Auth.OwnerID == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")
		if err := s.engine.FetchThreads(ctx); err != nil {
			fmt.Printf("  Backend:        unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Backend:        ok (%d threads)\n", len(s.engine.Threads()))
		return nil
	},
}
