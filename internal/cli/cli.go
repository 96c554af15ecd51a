// Package cli provides the command-line interface for davcalsync.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/beekhof/davcalsync/internal/channel"
	"github.com/beekhof/davcalsync/internal/config"
	"github.com/beekhof/davcalsync/internal/logging"
)

// Version is the current version of the application.
var Version = "dev"

// runner carries state shared by the commands of one invocation.
type runner struct {
	// opts seeds channel.Open. Tests replace the password and Google
	// collaborators.
	opts   channel.Options
	logger *slog.Logger
}

// Run executes the CLI application with the given context and arguments.
func Run(ctx context.Context, args []string) error {
	return newApp(&runner{}, nil).Run(ctx, args)
}

func newApp(r *runner, out io.Writer) *cli.Command {
	app := &cli.Command{
		Name:    "davcalsync",
		Usage:   "One-way delta sync from Exchange or CalDAV calendars to Google Calendar or CalDAV",
		Version: Version,
		Description: `Each configured channel reads changes from its source calendar since the
   last run and applies them to its sink calendar. Only events created by
   davcalsync are ever modified or deleted in the sink.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Sources: cli.EnvVars("DAVCALSYNC_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose output (info level logging)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug output (debug level logging, implies verbose)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory holding per-channel state (overrides config file and DAVCALSYNC_DATA_DIR)",
			},
			&cli.StringFlag{
				Name:  "google-credentials-path",
				Usage: "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if r.logger == nil {
				r.logger = logging.Setup(cmd.Bool("verbose"), cmd.Bool("debug"))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			r.syncCommand(),
			r.sendOneCommand(),
			r.clearAllCommand(),
			r.dumpCommand(),
		},
	}
	if out != nil {
		app.Writer = out
	}
	return app
}

// loadConfig reads the config file named by the global flags.
func (r *runner) loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		return nil, fmt.Errorf("--config FILE is required")
	}
	cfg, err := config.LoadConfig(path, config.Overrides{
		DataDir:               cmd.String("data-dir"),
		GoogleCredentialsPath: cmd.String("google-credentials-path"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// open loads the config and opens the named channel.
func (r *runner) open(ctx context.Context, cmd *cli.Command, name string, parts int) (*channel.Channel, error) {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ch, err := cfg.Channel(name)
	if err != nil {
		return nil, err
	}
	return channel.Open(ctx, ch, parts, r.channelOptions(cfg))
}

func (r *runner) channelOptions(cfg *config.Config) channel.Options {
	opts := r.opts
	opts.GoogleCredentialsPath = cfg.GoogleCredentialsPath
	opts.Logger = r.logger
	return opts
}
