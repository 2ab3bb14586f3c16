package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var groupsMembers bool

func init() {
	groupsCmd.Flags().BoolVar(&groupsMembers, "members", false, "Fetch member profiles for each group")
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		fmt.Printf("Groups (%d):\n", len(groups))
		for _, g := range groups {
			fmt.Printf("  %-24s %-28s %d members\n", g.ID, valueOrDefault(g.Name, "-"), len(g.Members))
			if !groupsMembers {
				continue
			}
			members, err := client.Groups.Members(ctx, g.ID)
			if err != nil {
				fmt.Printf("    error: %v\n", err)
				continue
			}
			for _, m := range members {
				fmt.Printf("    %-32s %s\n", m.ID, valueOrDefault(m.Name, "-"))
			}
		}
		return nil
	},
}
