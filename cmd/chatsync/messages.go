package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var sendTitle bool

func init() {
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendTitle, "title-from-first", true, "Title an untitled thread after its first message")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "Print the messages of a thread, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		var msgs []chatsync.Message
		if offline {
			msgs = s.engine.Cache().Messages(args[0])
		} else {
			if err := s.engine.SelectThread(ctx, args[0]); err != nil {
				return err
			}
			msgs = s.engine.Messages()
		}

		if jsonOutput {
			printJSON(msgs)
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s%s\n", m.Role, age(m.CreatedAt), pendingMark(m.Pending))
			fmt.Println(indent(m.Content))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <content>",
	Short: "Send a message to a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		var opts []chatsync.Option
		if sendTitle {
			opts = append(opts, chatsync.WithFirstMessageHook(titleFromFirst))
		}
		s, err := openSession(ctx, opts...)
		if err != nil {
			return err
		}
		defer s.close()
		current = s

		threadID := args[0]
		if err := ensureThread(ctx, s, threadID); err != nil {
			return err
		}
		if !offline {
			if err := s.engine.SelectThread(ctx, threadID); err != nil {
				return err
			}
		}
		queued := watchQueued(s)
		m, err := s.engine.SendMessage(ctx, threadID, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(m)
			return nil
		}
		fmt.Printf("Sent message %s%s\n", m.ID, pendingMark(queued.Load()))
		return nil
	},
}

// current is the session of the running send command, used by the
// first-message hook.
var current *session

// titleFromFirst renames a thread that still has the default title after its
// first message, using the opening words of the message.
func titleFromFirst(ctx context.Context, m chatsync.Message) {
	if current == nil {
		return
	}
	t, ok := current.engine.Cache().Thread(m.ThreadID)
	if !ok || t.Title != "New chat" {
		return
	}
	title := summarize(m.Content, 48)
	if _, err := current.engine.UpdateThread(ctx, m.ThreadID, chatsync.ThreadPatch{Title: &title}); err != nil {
		log.Warn().Err(err).Str("thread_id", m.ThreadID).Msg("auto title failed")
	}
}

func summarize(content string, n int) string {
	return truncate(strings.Join(strings.Fields(content), " "), n)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
