package main

import (
	"fmt"
	"os"
	"path/filepath"

	desklink "github.com/desklink-io/desklink-go"
)

// getClient creates a DeskLink client authenticated with the stored token.
func getClient() *desklink.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'desklink init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []desklink.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, desklink.WithBaseURL(cfg.Default.BaseURL))
	}
	return desklink.NewClient(cfg.Auth.Token, opts...)
}

// getMessenger opens the local store and builds a fully wired Messenger.
// The returned close function releases the store.
func getMessenger() (*desklink.Messenger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("not initialized: run 'desklink init <token> <user-id>' first")
	}

	storePath := cfg.Default.StorePath
	if storePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, nil, err
		}
		storePath = filepath.Join(dir, "store")
	}

	log, err := desklink.NewLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot build logger: %w", err)
	}

	store, err := desklink.OpenStore(storePath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open store: %w", err)
	}

	m, err := desklink.NewMessenger(desklink.MessengerConfig{
		UserID: cfg.Auth.UserID,
		Client: getClient(),
		Store:  store,
		Token:  cfg.Auth.Token,
		Logger: log,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return m, func() { store.Close() }, nil
}
