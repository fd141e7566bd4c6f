package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	shipchat "github.com/fleetdeck-io/shipchat"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream messages from the current channel until interrupted",
	Long:  "Connects to the realtime feed and prints incoming messages.\nFalls back to polling when the WebSocket is unavailable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		snap := store.Snapshot()
		if snap.CurrentChannel == nil {
			return fmt.Errorf("no channel selected, run 'shipchat join <channel>' first")
		}
		channelID := snap.CurrentChannel.ID

		client := store.Client()
		client.OnEvent(shipchat.EventPosted, func(ev shipchat.Event) {
			p, err := ev.Post()
			if err != nil || p.ChannelID != channelID {
				return
			}
			printPost(store, *p)
		})
		client.OnConnect(func() { fmt.Println("-- connected --") })
		client.OnDisconnect(func(err error) {
			if err != nil {
				fmt.Println("-- connection lost, polling --")
			}
		})

		ctx := context.Background()
		store.Start(ctx)
		fmt.Printf("Watching %s (mode: %s). Ctrl-C to stop.\n", snap.CurrentChannel.DisplayName, store.Sync().Mode())

		// In polled mode new posts land via replace, not events, so echo
		// whatever the store accumulates.
		seen := len(store.Snapshot().Posts[channelID])
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		for {
			select {
			case <-sig:
				fmt.Println()
				store.MarkChannelRead(ctx, channelID)
				client.DisconnectWebSocket()
				return nil
			case <-ticker.C:
				if store.Sync().Mode() == shipchat.ModePushed {
					continue
				}
				posts := store.Snapshot().Posts[channelID]
				for ; seen < len(posts); seen++ {
					printPost(store, posts[seen])
				}
			}
		}
	},
}

func printPost(store *shipchat.Store, p shipchat.Post) {
	author := p.UserID
	if u, ok := store.Snapshot().Users[p.UserID]; ok {
		author = u.DisplayName()
	}
	ts := time.UnixMilli(p.CreateAt).Format("15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, author, p.Message)
}
