package main

import (
	"fmt"
	"os"
	"path/filepath"

	vitracka "github.com/vitracka/vitracka-go"
)

// getClient builds an authenticated client from the saved configuration.
func getClient() *vitracka.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'vitracka init <token>' first.")
		os.Exit(1)
	}

	var opts []vitracka.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, vitracka.WithBaseURL(cfg.Default.BaseURL))
	}
	return vitracka.NewClient(vitracka.StaticToken(cfg.Default.Token), opts...)
}

// offlineDir resolves the durable-storage directory for queued actions and
// cache snapshots.
func offlineDir(cfg *Config) (string, error) {
	if cfg.Offline.Dir != "" {
		return cfg.Offline.Dir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "offline"), nil
}

// getDispatcher builds the full dispatch layer: client, realtime channel,
// file-backed store, router. The realtime channel is left unconnected; the
// router falls through to the secondary transport or the offline queue.
func getDispatcher() *vitracka.Dispatcher {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	client := getClient()
	dir, err := offlineDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve offline directory: %v\n", err)
		os.Exit(1)
	}
	store, err := vitracka.NewFileStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open offline storage: %v\n", err)
		os.Exit(1)
	}

	d, err := vitracka.NewDispatcher(client, client.Realtime(nil), store, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dispatcher: %v\n", err)
		os.Exit(1)
	}
	return d
}
