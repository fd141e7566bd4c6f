package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	shipchat "github.com/fleetdeck-io/shipchat"
)

func init() {
	rootCmd.AddCommand(vesselCmd)
	vesselCmd.AddCommand(vesselListCmd)
	vesselCmd.AddCommand(vesselSelectCmd)
}

var vesselCmd = &cobra.Command{
	Use:   "vessel",
	Short: "Work with vessel teams",
}

var vesselListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known vessels and their teams",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, v := range shipchat.Vessels() {
			fmt.Printf("%-10s %-16s %-6s %s\n", v.VesselID, v.VesselName, v.CallSign, v.TeamName)
		}
		return nil
	},
}

var vesselSelectCmd = &cobra.Command{
	Use:   "select [vessel-id]",
	Short: "Select a vessel's team, provisioning it when needed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore()
		vesselID := defaultVessel(args)

		if err := store.SelectVesselTeam(context.Background(), vesselID); err != nil {
			if hint := apiErrorHint(err); hint != "" {
				return fmt.Errorf("%w (%s)", err, hint)
			}
			return err
		}

		snap := store.Snapshot()
		fmt.Printf("Selected team %s\n", snap.CurrentTeam.DisplayName)
		if snap.CurrentChannel != nil {
			fmt.Printf("Current channel: %s\n", snap.CurrentChannel.DisplayName)
		}
		return nil
	},
}
