package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/beekhof/davcalsync/internal/channel"
	"github.com/beekhof/davcalsync/internal/config"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/transform"
)

func (r *runner) syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync pass for every channel",
		Description: `Channels are processed one after another. A failing channel is logged
   and the remaining channels still run; the exit status is non-zero if any
   channel failed.

   Examples:
     davcalsync --config config.yaml sync
     davcalsync --config config.yaml sync --channel work`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Sync only the named channel",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop at the first failing channel",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := r.loadConfig(cmd)
			if err != nil {
				return err
			}

			channels := make([]*config.Channel, 0, len(cfg.Channels))
			if name := cmd.String("channel"); name != "" {
				ch, err := cfg.Channel(name)
				if err != nil {
					return err
				}
				channels = append(channels, ch)
			} else {
				for i := range cfg.Channels {
					channels = append(channels, &cfg.Channels[i])
				}
			}

			out := cmd.Root().Writer
			var failed []string
			for _, ch := range channels {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err := r.syncChannel(ctx, cfg, ch, cmd)
				if err == nil {
					continue
				}
				if cmd.Bool("fail-fast") {
					return fmt.Errorf("channel %s: %w", ch.Name, err)
				}
				fmt.Fprintf(out, "%s: failed: %v\n", ch.Name, err)
				failed = append(failed, ch.Name)
			}

			if len(failed) > 0 {
				return fmt.Errorf("sync failed for %d of %d channel(s): %s", len(failed), len(channels), strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

func (r *runner) syncChannel(ctx context.Context, cfg *config.Config, ch *config.Channel, cmd *cli.Command) error {
	c, err := channel.Open(ctx, ch, channel.WithAll, r.channelOptions(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close state store", logging.Channel(ch.Name), logging.Err(err))
		}
	}()

	syncer, err := c.Syncer()
	if err != nil {
		return err
	}
	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.Root().Writer, "%s: %s, %d deleted, %d updated, %d skipped in %s\n",
		ch.Name, res.Mode, res.Deleted, res.Updated, res.Skipped, res.Duration.Round(time.Millisecond))
	return nil
}

func (r *runner) sendOneCommand() *cli.Command {
	return &cli.Command{
		Name:      "send-one",
		Usage:     "Submit a raw iCalendar file to a channel's sink",
		UsageText: "davcalsync send-one <channel> <file>",
		Description: `The file is sent as is: no transformation and no provenance marker, so
   sync passes never touch the resulting event.`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args()
			if args.Len() != 2 {
				return errors.New("send-one requires exactly 2 arguments: <channel> <file>")
			}

			data, err := os.ReadFile(args.Get(1))
			if err != nil {
				return fmt.Errorf("failed to read event file: %w", err)
			}
			payload, err := transform.Parse(data)
			if err != nil {
				return err
			}

			c, err := r.open(ctx, cmd, args.Get(0), channel.WithSink)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Sink.SendRaw(ctx, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "%s: sent %s\n", c.Name, args.Get(1))
			return nil
		},
	}
}

func (r *runner) clearAllCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear-all",
		Usage:     "Delete every synced event of a channel and forget its sync state",
		UsageText: "davcalsync clear-all <channel>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("clear-all requires exactly 1 argument: <channel>")
			}

			c, err := r.open(ctx, cmd, cmd.Args().First(), channel.WithSink|channel.WithStore)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Sink.DeleteAllSynced(ctx)
			if err != nil {
				return fmt.Errorf("failed to clear synced events (%d removed): %w", n, err)
			}
			// Without the token the next pass is a full resync, which
			// recreates everything that was just removed.
			if err := c.Store.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear sync state: %w", err)
			}
			fmt.Fprintf(cmd.Root().Writer, "%s: removed %d event(s)\n", c.Name, n)
			return nil
		},
	}
}

func (r *runner) dumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "List the synced events of a channel",
		UsageText: "davcalsync dump <channel> [--sync-id ID]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sync-id",
				Usage: "Show only events synced from this source item",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("dump requires exactly 1 argument: <channel>")
			}

			c, err := r.open(ctx, cmd, cmd.Args().First(), channel.WithSink)
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.Sink.Dump(ctx, cmd.String("sync-id"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SYNC ID\tSINK ID\tSTART\tSUMMARY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.SyncID, e.SinkID, e.Start, e.Summary)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "%d event(s)\n", len(entries))
			return nil
		},
	}
}
