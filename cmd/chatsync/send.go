package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendFile string
	sendJSON bool
)

func init() {
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Upload a file and send it instead of text")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the confirmed message as JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> [text...]",
	Short: "Send a message and wait for the backend to confirm it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		draft := chatsync.Draft{Content: strings.Join(args[1:], " ")}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if sendFile != "" {
			client, _, err := getClient()
			if err != nil {
				return err
			}
			res, err := client.Files.UploadFile(ctx, sendFile, nil)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			draft = chatsync.DraftFor(res)
		}

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		var localID string
		a, err := waitAction(ctx, s.engine, chatsync.ActionSend, conv, func() error {
			var err error
			localID, err = s.engine.Send(ctx, conv, draft)
			return err
		})
		if err != nil {
			return err
		}
		if a.State == chatsync.ActionFailed {
			return fmt.Errorf("send failed after %d attempt(s): %w", a.Attempts, a.Err)
		}

		log, err := s.engine.Messages(ctx, conv)
		if err != nil {
			return err
		}
		for _, m := range log {
			if m.LocalID == localID || m.ID == localID {
				if sendJSON {
					return printJSON(m)
				}
				fmt.Printf("Sent %s at %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
				return nil
			}
		}
		fmt.Println("Sent.")
		return nil
	},
}
