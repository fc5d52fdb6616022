// Package app provides the application context and dependency management
// for the twinsync CLI. It centralizes configuration, logging, and the
// opening of the two stores and the sync ledger.
package app

import (
	"github.com/rs/zerolog"

	"github.com/twinsync/twinsync/internal/localstore"
	"github.com/twinsync/twinsync/internal/remotestore"
	"github.com/twinsync/twinsync/internal/store"
	"github.com/twinsync/twinsync/pkg/errors"
	"github.com/twinsync/twinsync/pkg/schema"
)

// App represents the twinsync application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string

	// Configuration
	config *Config

	// Logger
	logger *zerolog.Logger
}

// New creates a new App instance with the given version information.
func New(version, commit, date string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
	}

	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	app.config = config

	logger := NewLogger(config)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// OpenLedger opens the sync ledger at the configured path.
func (a *App) OpenLedger() (*store.Ledger, error) {
	return store.Open(a.config.LedgerPath, store.WithStaleLeaseAge(a.config.StaleLeaseAge))
}

// OpenLocal opens the local master store at the configured path.
func (a *App) OpenLocal() (*localstore.Store, error) {
	return localstore.Open(a.config.LocalPath)
}

// OpenRemote opens the remote authority store at the configured path.
func (a *App) OpenRemote() (*remotestore.Store, error) {
	return remotestore.Open(a.config.RemotePath)
}

// Projection returns the shared-field projection: the built-in facility
// table, or an external YAML definition if one is configured.
func (a *App) Projection() (*schema.Projection, error) {
	if a.config.ProjectionFile == "" {
		return schema.Default(), nil
	}
	p, err := schema.Load(a.config.ProjectionFile)
	if err != nil {
		return nil, errors.WrapStore("ledger", "load projection", a.config.ProjectionFile, err)
	}
	return p, nil
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithConfig sets a custom configuration.
func WithConfig(config *Config) Option {
	return func(a *App) error {
		a.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}
