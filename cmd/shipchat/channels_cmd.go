package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(teamsCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(joinCmd)
}

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List the teams you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		teams, err := store.Client().GetMyTeams(context.Background())
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			fmt.Println("No teams.")
			return nil
		}
		for _, t := range teams {
			marker := " "
			if snap := store.Snapshot(); snap.CurrentTeam != nil && snap.CurrentTeam.ID == t.ID {
				marker = "*"
			}
			fmt.Printf("%s %-30s %s\n", marker, t.Name, t.DisplayName)
		}
		return nil
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the current team's channels with previews and unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		snap := store.Snapshot()
		if snap.CurrentTeam == nil {
			return fmt.Errorf("no team selected, run 'shipchat vessel select' first")
		}

		previews := store.ChannelPreviews(context.Background())
		if len(previews) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, pv := range previews {
			unread := store.UnreadCount(pv.Channel.ID)
			badge := "    "
			if unread > 0 {
				badge = fmt.Sprintf("(%d) ", unread)
			}
			line := fmt.Sprintf("%s%-24s", badge, pv.Channel.DisplayName)
			if pv.LatestMessage != "" {
				author := pv.AuthorName
				if author == "" {
					author = "?"
				}
				line += fmt.Sprintf("  %s: %s", author, pv.LatestMessage)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <channel-name>",
	Short: "Switch to a channel in the current team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		snap := store.Snapshot()
		if snap.CurrentTeam == nil {
			return fmt.Errorf("no team selected, run 'shipchat vessel select' first")
		}

		ch, err := store.Client().GetChannelByName(context.Background(), snap.CurrentTeam.ID, args[0])
		if err != nil {
			return fmt.Errorf("channel %q: %w", args[0], err)
		}
		store.SelectChannel(context.Background(), *ch)
		fmt.Printf("Switched to %s\n", ch.DisplayName)

		for _, p := range store.Snapshot().Posts[ch.ID] {
			fmt.Printf("  %s\n", p.Message)
		}
		return nil
	},
}
