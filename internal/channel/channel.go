// Package channel assembles the change source, sink and state store of one
// configured channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/beekhof/davcalsync/internal/auth"
	"github.com/beekhof/davcalsync/internal/caldav"
	"github.com/beekhof/davcalsync/internal/config"
	"github.com/beekhof/davcalsync/internal/deadletter"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	sinkcaldav "github.com/beekhof/davcalsync/internal/sink/caldav"
	"github.com/beekhof/davcalsync/internal/sink/google"
	"github.com/beekhof/davcalsync/internal/source"
	sourcecaldav "github.com/beekhof/davcalsync/internal/source/caldav"
	"github.com/beekhof/davcalsync/internal/source/ews"
	"github.com/beekhof/davcalsync/internal/state"
	calsync "github.com/beekhof/davcalsync/internal/sync"
)

// File names inside a channel's data directory.
const (
	StateFileName      = "state.json"
	StateDBName        = "state.db"
	DeadLetterFileName = "deadletter.log"
)

// Channel is a ready to use pipeline. Close releases the state store.
type Channel struct {
	Name       string
	Source     source.Source
	Sink       *sink.Sink
	Store      state.Store
	DeadLetter *deadletter.Log
	logger     *slog.Logger
}

// Options holds the collaborators Open needs besides the configuration.
type Options struct {
	// GoogleCredentialsPath is the OAuth client file used by google sinks.
	GoogleCredentialsPath string
	// Password resolves a password_command. Defaults to auth.PasswordCommand.
	Password func(ctx context.Context, command string) (string, error)
	// GoogleHTTPClient returns the authorized client for a google sink.
	// Defaults to the interactive OAuth flow with a token file.
	GoogleHTTPClient func(ctx context.Context, credentialsPath, tokenPath string) (*http.Client, error)
	// HTTPClient is used for EWS and CalDAV requests when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Password == nil {
		o.Password = auth.PasswordCommand
	}
	if o.GoogleHTTPClient == nil {
		o.GoogleHTTPClient = googleHTTPClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Which parts of a channel Open builds. Commands that only touch the sink do
// not need to reach the source server.
const (
	WithSource = 1 << iota
	WithSink
	WithStore

	WithAll = WithSource | WithSink | WithStore
)

// Open builds the parts of ch selected by parts.
func Open(ctx context.Context, ch *config.Channel, parts int, opts Options) (*Channel, error) {
	opts.defaults()
	logger := opts.Logger.With(logging.Channel(ch.Name))

	if err := os.MkdirAll(ch.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Channel{
		Name:       ch.Name,
		DeadLetter: deadletter.New(filepath.Join(ch.DataDir, DeadLetterFileName)),
		logger:     logger,
	}

	if parts&WithSource != 0 {
		src, err := openSource(ctx, ch.Source, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		c.Source = src
	}

	if parts&WithSink != 0 {
		backend, err := openSink(ctx, ch.Sink, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		c.Sink = sink.New(backend, c.DeadLetter, logger)
	}

	if parts&WithStore != 0 {
		store, err := openStore(ch)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		c.Store = store
	}

	return c, nil
}

// Syncer returns the orchestrator for a channel opened WithAll.
func (c *Channel) Syncer() (*calsync.Syncer, error) {
	if c.Source == nil || c.Sink == nil || c.Store == nil {
		return nil, fmt.Errorf("channel %s was not opened for syncing", c.Name)
	}
	return calsync.NewSyncer(c.Name, c.Source, c.Sink, c.Store, c.logger), nil
}

// Close releases the state store.
func (c *Channel) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

func openSource(ctx context.Context, cfg config.Source, opts Options, logger *slog.Logger) (source.Source, error) {
	password, err := opts.Password(ctx, cfg.PasswordCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source password: %w", err)
	}

	switch cfg.Type {
	case config.SourceEWS:
		return ews.New(ews.Options{
			URL:        cfg.URL,
			Username:   cfg.Username,
			Password:   password,
			Folder:     cfg.Folder,
			HTTPClient: opts.HTTPClient,
			Logger:     logger,
		}), nil
	case config.SourceCalDAV:
		client := caldav.NewClient(cfg.URL, cfg.Username, password, opts.HTTPClient)
		return sourcecaldav.New(client, cfg.CalendarPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

func openSink(ctx context.Context, cfg config.Sink, opts Options, logger *slog.Logger) (sink.Backend, error) {
	switch cfg.Type {
	case config.SinkGoogle:
		httpClient, err := opts.GoogleHTTPClient(ctx, opts.GoogleCredentialsPath, cfg.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate with Google: %w", err)
		}
		client, err := google.NewClient(ctx, httpClient, logger)
		if err != nil {
			return nil, err
		}

		calendarID := cfg.CalendarID
		if calendarID == "" {
			calendarID, err = client.FindOrCreateCalendarByName(ctx, cfg.CalendarName, cfg.CalendarColorID)
			if err != nil {
				return nil, err
			}
		}
		return client.Backend(calendarID), nil

	case config.SinkCalDAV:
		password, err := opts.Password(ctx, cfg.PasswordCommand)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve sink password: %w", err)
		}
		client := caldav.NewClient(cfg.URL, cfg.Username, password, opts.HTTPClient)
		return sinkcaldav.New(client, cfg.CalendarPath, logger), nil

	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

func openStore(ch *config.Channel) (state.Store, error) {
	switch ch.StateBackend {
	case config.StateFile, "":
		return state.NewFileStore(filepath.Join(ch.DataDir, StateFileName)), nil
	case config.StateSQLite:
		return state.OpenSQLiteStore(filepath.Join(ch.DataDir, StateDBName), ch.Name)
	default:
		return nil, fmt.Errorf("unknown state backend %q", ch.StateBackend)
	}
}

func googleHTTPClient(ctx context.Context, credentialsPath, tokenPath string) (*http.Client, error) {
	if credentialsPath == "" {
		return nil, errors.New("no Google credentials file configured")
	}
	clientID, clientSecret, err := config.LoadGoogleCredentials(credentialsPath)
	if err != nil {
		return nil, err
	}
	oauthConfig := auth.GoogleOAuthConfig(clientID, clientSecret)
	return auth.GetAuthenticatedClient(ctx, oauthConfig, auth.NewFileTokenStore(tokenPath))
}
