package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	shipchat "github.com/fleetdeck-io/shipchat"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username-or-email>",
	Short: "Log in to the chat server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			fmt.Print("Password: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("cannot read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		client := getClient()
		user, err := client.Login(context.Background(), args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("Logged in as %s\n", user.DisplayName())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		if client.RestoreSession() == nil {
			fmt.Println("Not logged in.")
			return nil
		}
		client.Logout(context.Background())
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		snap := store.Snapshot()
		fmt.Printf("%s (@%s)\n", snap.User.DisplayName(), snap.User.Username)
		if snap.CurrentTeam != nil {
			fmt.Printf("Team: %s\n", snap.CurrentTeam.DisplayName)
		}
		if snap.CurrentChannel != nil {
			fmt.Printf("Channel: %s\n", snap.CurrentChannel.DisplayName)
		}
		return nil
	},
}

// apiErrorHint turns the client error taxonomy into a one-line hint.
func apiErrorHint(err error) string {
	switch err.(type) {
	case *shipchat.AuthError:
		return "session expired, run 'shipchat login' again"
	case *shipchat.PermissionError:
		return "permission denied, contact an administrator"
	case *shipchat.NetworkError:
		return "server unreachable, check the network"
	}
	return ""
}
