package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var friendsJSON bool

func init() {
	friendsListCmd.Flags().BoolVar(&friendsJSON, "json", false, "Output raw JSON")

	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsRequestCmd)
	friendsCmd.AddCommand(friendsWithdrawCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRejectCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friends and friend requests",
}

// ============================================================================
// friends list
// ============================================================================

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends and pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		friends, err := s.engine.Friends(ctx)
		if err != nil {
			return err
		}
		sent, err := s.engine.SentRequests(ctx)
		if err != nil {
			return err
		}
		received, err := s.engine.ReceivedRequests(ctx)
		if err != nil {
			return err
		}

		if friendsJSON {
			return printJSON(map[string]interface{}{"friends": friends, "sent": sent, "received": received})
		}

		fmt.Printf("Friends (%d):\n", len(friends))
		for _, f := range friends {
			status := "offline"
			if f.Online {
				status = "online"
			}
			fmt.Printf("  %-32s %-20s %s\n", f.ID, valueOrDefault(f.Name, "-"), status)
		}
		printRequests("Sent requests", sent)
		printRequests("Received requests", received)
		return nil
	},
}

func printRequests(title string, list []chatsync.FriendRequest) {
	if len(list) == 0 {
		return
	}
	fmt.Printf("\n%s (%d):\n", title, len(list))
	for _, r := range list {
		at := "-"
		if !r.CreatedAt.IsZero() {
			at = r.CreatedAt.Format(time.RFC3339)
		}
		fmt.Printf("  %-32s %-20s %s\n", r.Counterpart.ID, valueOrDefault(r.Counterpart.Name, "-"), at)
	}
}

// ============================================================================
// friend actions
// ============================================================================

// runRelationAction submits one relationship action and waits for the backend
// to confirm or refuse it.
func runRelationAction(kind chatsync.ActionKind, counterpart, done string, submit func(ctx context.Context, e *chatsync.Engine) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	a, err := waitAction(ctx, s.engine, kind, counterpart, func() error { return submit(ctx, s.engine) })
	if err != nil {
		return err
	}
	if a.State == chatsync.ActionFailed {
		return fmt.Errorf("%s failed: %w", kind, a.Err)
	}
	fmt.Println(done)
	return nil
}

var friendsRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelationAction(chatsync.ActionFriendRequest, args[0], "Friend request sent.",
			func(ctx context.Context, e *chatsync.Engine) error {
				return e.SendFriendRequest(ctx, chatsync.Profile{ID: args[0]})
			})
	},
}

var friendsWithdrawCmd = &cobra.Command{
	Use:   "withdraw <user-id>",
	Short: "Withdraw a sent friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelationAction(chatsync.ActionWithdraw, args[0], "Friend request withdrawn.",
			func(ctx context.Context, e *chatsync.Engine) error {
				return e.WithdrawFriendRequest(ctx, args[0])
			})
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <user-id>",
	Short: "Accept a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelationAction(chatsync.ActionRespond, args[0], "Friend request accepted.",
			func(ctx context.Context, e *chatsync.Engine) error {
				return e.RespondFriendRequest(ctx, args[0], true)
			})
	},
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <user-id>",
	Short: "Reject a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelationAction(chatsync.ActionRespond, args[0], "Friend request rejected.",
			func(ctx context.Context, e *chatsync.Engine) error {
				return e.RespondFriendRequest(ctx, args[0], false)
			})
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelationAction(chatsync.ActionUnfriend, args[0], "Friend removed.",
			func(ctx context.Context, e *chatsync.Engine) error {
				return e.Unfriend(ctx, args[0])
			})
	},
}
