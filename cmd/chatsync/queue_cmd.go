package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
	queueCmd.AddCommand(queueEvictCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and flush writes queued while offline",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		actions := s.engine.PendingActions()
		if jsonOutput {
			printJSON(actions)
			return nil
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		fmt.Printf("%-38s%-16s%-18s%-10s%s\n", "ID", "TYPE", "QUEUED", "ATTEMPTS", "LAST ERROR")
		for _, a := range actions {
			fmt.Printf("%-38s%-16s%-18s%-10d%s\n", a.ID, a.Type, age(a.EnqueuedAt), a.Attempts, valueOrDefault(a.LastError, "-"))
		}
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send queued writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("cannot replay with --offline")
		}
		ctx, cancel := commandContext(2 * time.Minute)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		res, err := s.engine.Replay(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(res)
			return nil
		}
		fmt.Printf("Replayed: %d\n", res.Replayed)
		fmt.Printf("Dropped:  %d\n", res.Dropped)
		fmt.Printf("Evicted:  %d\n", res.Evicted)
		fmt.Printf("Remaining: %d\n", res.Remaining)
		return nil
	},
}

var queueEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Drop queued writes older than the eviction horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(15 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		n := s.engine.Evict(ctx)
		fmt.Printf("Evicted %d action(s), %d remaining\n", n, len(s.engine.PendingActions()))
		return nil
	},
}
