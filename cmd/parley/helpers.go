package main

import (
	"fmt"
	"os"
	"time"

	parley "github.com/parley-im/parley-go"
	"github.com/rs/zerolog"
)

// newLogger builds the CLI logger. Warnings only by default; --verbose
// raises it to debug.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// clientOptions derives client options from the loaded config.
func clientOptions(cfg *Config) []parley.ClientOption {
	opts := []parley.ClientOption{parley.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, parley.WithEnvironment(parley.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a Parley client authenticated with the stored token.
func getClient() (*parley.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'parley init <token>' first.")
		os.Exit(1)
	}
	return parley.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg
}

// currentUserID resolves the acting user, preferring the stored identity and
// falling back to the token claims.
func currentUserID(cfg *Config) string {
	if cfg.Auth.UserID != "" {
		return cfg.Auth.UserID
	}
	if id, err := parley.IdentityFromToken(cfg.Auth.Token); err == nil {
		return id.UserID
	}
	return ""
}
