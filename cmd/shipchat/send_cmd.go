package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var sendReplyTo string

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "post id to thread the message under")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message to the current channel",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		text := strings.Join(args, " ")

		post, err := store.SendMessage(context.Background(), text, sendReplyTo)
		if err != nil {
			if hint := apiErrorHint(err); hint != "" {
				return fmt.Errorf("%w (%s)", err, hint)
			}
			return err
		}
		fmt.Printf("Sent %s\n", post.ID)
		return nil
	},
}
