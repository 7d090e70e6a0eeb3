package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsCreateCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List and edit your threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if !offline {
			if err := s.engine.FetchThreads(ctx); err != nil {
				fmt.Printf("Showing cached threads: %v\n\n", err)
			}
		}

		threads := s.engine.Threads()
		if jsonOutput {
			printJSON(threads)
			return nil
		}
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}
		fmt.Printf("%-38s%-40s%s\n", "ID", "TITLE", "UPDATED")
		for _, t := range threads {
			fmt.Printf("%-38s%-40s%s%s\n", t.ID, truncate(t.Title, 38), age(t.UpdatedAt), pendingMark(t.Pending))
		}
		return nil
	},
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a thread",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		var in chatsync.ThreadInput
		if len(args) == 1 {
			in.Title = args[0]
		}
		t, err := s.engine.CreateThread(ctx, in)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(t)
			return nil
		}
		fmt.Printf("Created thread %s%s\n", t.ID, pendingMark(t.Pending))
		return nil
	},
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <thread-id> <title>",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := ensureThread(ctx, s, args[0]); err != nil {
			return err
		}
		title := args[1]
		t, err := s.engine.UpdateThread(ctx, args[0], chatsync.ThreadPatch{Title: &title})
		if err != nil {
			return err
		}
		fmt.Printf("Renamed thread %s to %q%s\n", t.ID, t.Title, pendingMark(t.Pending))
		return nil
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := ensureThread(ctx, s, args[0]); err != nil {
			return err
		}
		queued := watchQueued(s)
		if err := s.engine.DeleteThread(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted thread %s%s\n", args[0], pendingMark(queued.Load()))
		return nil
	},
}

// ensureThread makes sure id is in the local cache, fetching the thread list
// when it is not.
func ensureThread(ctx context.Context, s *session, id string) error {
	if _, ok := s.engine.Cache().Thread(id); ok {
		return nil
	}
	if !offline {
		if err := s.engine.FetchThreads(ctx); err != nil {
			return err
		}
		if _, ok := s.engine.Cache().Thread(id); ok {
			return nil
		}
	}
	return fmt.Errorf("thread %s: %w", id, chatsync.ErrNotFound)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
