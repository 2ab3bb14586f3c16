package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var (
	messagesPages int
	messagesJSON  bool
)

func init() {
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of history pages to load")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(messagesCmd)

	messageCmd.AddCommand(messageRecallCmd)
	messageCmd.AddCommand(messageDeleteCmd)
	messageCmd.AddCommand(messageReactCmd)
	messageCmd.AddCommand(messageForwardCmd)
	messageCmd.AddCommand(messageReadCmd)
	rootCmd.AddCommand(messageCmd)
}

// loadConversation makes sure the conversation's log holds at least pages
// history pages.
func loadConversation(ctx context.Context, e *chatsync.Engine, conv string, pages int) ([]chatsync.Message, error) {
	log, err := e.Messages(ctx, conv)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		pages = max(pages, 1)
	} else {
		// Resync already merged the newest page.
		pages--
	}
	for i := 0; i < pages; i++ {
		n, err := e.LoadHistory(ctx, conv)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return e.Messages(ctx, conv)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "Print a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		log, err := loadConversation(ctx, s.engine, args[0], messagesPages)
		if err != nil {
			return err
		}
		if messagesJSON {
			return printJSON(log)
		}
		self := s.engine.Identity().ID
		for _, m := range log {
			from := m.SenderID
			if from == self {
				from = "me"
			}
			status := ""
			if m.Status == chatsync.StatusRead {
				status = " ✓✓"
			}
			fmt.Printf("%s  %-20s %s%s  (%s)\n", m.CreatedAt.Format("2006-01-02 15:04"), from, chatsync.Preview(m), status, m.ID)
			for _, r := range m.Reactions {
				fmt.Printf("%18s %s %s\n", "", r.Emoji, r.Sender)
			}
		}
		return nil
	},
}

// ============================================================================
// message actions
// ============================================================================

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Act on a single message",
}

// runMessageAction loads the conversation so the message is known locally,
// then submits the action and waits for it to settle.
func runMessageAction(kind chatsync.ActionKind, conv, target, done string, submit func(ctx context.Context, e *chatsync.Engine) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := loadConversation(ctx, s.engine, conv, 1); err != nil {
		return err
	}
	a, err := waitAction(ctx, s.engine, kind, target, func() error { return submit(ctx, s.engine) })
	if err != nil {
		return err
	}
	if a.State == chatsync.ActionFailed {
		return fmt.Errorf("%s failed: %w", kind, a.Err)
	}
	fmt.Println(done)
	return nil
}

var messageRecallCmd = &cobra.Command{
	Use:   "recall <conversation> <message-id>",
	Short: "Recall one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMessageAction(chatsync.ActionRecall, args[0], args[1], "Message recalled.",
			func(ctx context.Context, e *chatsync.Engine) error { return e.Recall(ctx, args[1]) })
	},
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMessageAction(chatsync.ActionDelete, args[0], args[1], "Message deleted.",
			func(ctx context.Context, e *chatsync.Engine) error { return e.Delete(ctx, args[1]) })
	},
}

var messageReactCmd = &cobra.Command{
	Use:   "react <conversation> <message-id> <emoji>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMessageAction(chatsync.ActionReact, args[0], args[1], "Reaction added.",
			func(ctx context.Context, e *chatsync.Engine) error { return e.React(ctx, args[1], args[2]) })
	},
}

var messageForwardCmd = &cobra.Command{
	Use:   "forward <conversation> <message-id> <target-conversation>",
	Short: "Forward a message to another conversation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMessageAction(chatsync.ActionForward, args[0], args[2], "Message forwarded.",
			func(ctx context.Context, e *chatsync.Engine) error {
				_, err := e.Forward(ctx, args[1], args[2])
				return err
			})
	},
}

var messageReadCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Mark every message in a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := loadConversation(ctx, s.engine, args[0], 1); err != nil {
			return err
		}
		summary := func() int {
			list, _ := s.engine.Conversations(ctx)
			for _, c := range list {
				if c.ID == args[0] {
					return c.Unread
				}
			}
			return 0
		}
		if summary() == 0 {
			fmt.Println("Nothing unread.")
			return nil
		}
		a, err := waitAction(ctx, s.engine, chatsync.ActionMarkRead, args[0], func() error {
			return s.engine.MarkConversationRead(ctx, args[0])
		})
		if err != nil {
			return err
		}
		if a.State == chatsync.ActionFailed {
			return fmt.Errorf("mark read failed: %w", a.Err)
		}
		fmt.Println("Conversation marked read.")
		return nil
	},
}
