package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	shipchat "github.com/fleetdeck-io/shipchat"
)

// getClient creates a client for the configured server, backed by on-disk
// state under ~/.shipchat/state so sessions and selections survive between
// invocations.
func getClient() *shipchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'shipchat config set default.server_url https://chat.example.com' first.")
		os.Exit(1)
	}

	dir, err := configDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	storage, err := shipchat.NewDirStorage(filepath.Join(dir, "state"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open state directory: %v\n", err)
		os.Exit(1)
	}

	opts := []shipchat.ClientOption{shipchat.WithStorage(storage)}
	if cfg.Default.Verbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, shipchat.WithLogger(log))
	}
	return shipchat.NewClient(cfg.Default.ServerURL, opts...)
}

// getStore creates a store over an authenticated client, restoring the
// persisted session. Exits when no session is available.
func getStore() *shipchat.Store {
	client := getClient()
	store := shipchat.NewStore(client)
	if !store.Restore() {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'shipchat login <user>' first.")
		os.Exit(1)
	}
	return store
}

// defaultVessel resolves the vessel argument: explicit arg first, then the
// configured default.
func defaultVessel(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	cfg, err := loadConfig()
	if err == nil && cfg.Default.Vessel != "" {
		return cfg.Default.Vessel
	}
	fmt.Fprintln(os.Stderr, "No vessel given and no default configured. Run 'shipchat config set default.vessel vessel-1'.")
	os.Exit(1)
	return ""
}
