// Package sync drives one reconciliation pass of a channel: it loads the
// stored token, asks the change source what changed, applies the changes
// to the sink and persists the next token.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/source"
	"github.com/beekhof/davcalsync/internal/state"
	"github.com/beekhof/davcalsync/internal/transform"
)

// Mode is how a pass discovered its changes.
type Mode string

const (
	// ModeFullResync lists every source item after clearing the sink of
	// previously synced events.
	ModeFullResync Mode = "FULL_RESYNC"
	// ModeIncremental resumes from the stored token.
	ModeIncremental Mode = "INCREMENTAL"
)

// Result reports what a pass did. On failure it holds the counts reached
// before the error.
type Result struct {
	Mode     Mode
	Deleted  int
	Updated  int
	Skipped  int // fetched items that were not calendar events
	Duration time.Duration
}

// Syncer handles the synchronization of one channel.
type Syncer struct {
	channel string
	source  source.Source
	sink    *sink.Sink
	store   state.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(channel string, src source.Source, snk *sink.Sink, store state.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		channel: channel,
		source:  src,
		sink:    snk,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Sync performs one pass. The stored token is replaced only after every
// delete and upsert of the pass succeeded, so an interrupted pass is
// repeated from the previous token.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	start := s.now()
	logger := s.logger.With(logging.Channel(s.channel), slog.String(logging.KeyPass, uuid.NewString()))

	res, err := s.pass(ctx, logger)
	res.Duration = s.now().Sub(start)
	if err != nil {
		logger.Error("sync failed",
			slog.String("mode", string(res.Mode)),
			slog.Int("deleted", res.Deleted),
			slog.Int("updated", res.Updated),
			logging.Duration(res.Duration),
			logging.Err(err))
		return res, err
	}

	logger.Info("sync complete",
		slog.String("mode", string(res.Mode)),
		slog.Int("deleted", res.Deleted),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		logging.Duration(res.Duration))
	return res, nil
}

func (s *Syncer) pass(ctx context.Context, logger *slog.Logger) (Result, error) {
	res := Result{Mode: ModeIncremental}

	prev, err := s.loadToken(ctx, logger)
	if err != nil {
		return res, err
	}

	if prev == nil {
		res.Mode = ModeFullResync
		if err := s.clearSink(ctx, logger, &res); err != nil {
			return res, err
		}
	}

	delta, err := s.source.Discover(ctx, prev)
	if err != nil {
		return res, fmt.Errorf("failed to discover changes: %w", err)
	}
	if delta.Next == nil {
		return res, fmt.Errorf("failed to discover changes: %s source returned no sync state", s.source.Kind())
	}

	// The source fell back to a full listing on its own, so deletions since
	// prev are unknown.
	if delta.Full && res.Mode == ModeIncremental {
		logger.Warn("source restarted from scratch, clearing synced events")
		res.Mode = ModeFullResync
		if err := s.clearSink(ctx, logger, &res); err != nil {
			return res, err
		}
	}

	logger.Debug("discovered changes",
		slog.Int("fetch", len(delta.Fetch)),
		slog.Int("delete", len(delta.Deleted)))

	// Deletes go first so an id that was deleted and recreated ends up with
	// exactly one event.
	n, err := s.sink.DeleteMany(ctx, delta.Deleted)
	res.Deleted += n
	if err != nil {
		return res, fmt.Errorf("failed to delete removed events: %w", err)
	}

	items, err := s.source.Materialize(ctx, delta.Fetch)
	if err != nil {
		return res, fmt.Errorf("failed to fetch changed events: %w", err)
	}
	res.Skipped = len(delta.Fetch) - len(items)

	pass := sink.NewPass()
	for _, item := range items {
		payload, err := transform.Transform(item.ID, item.Body)
		if err != nil {
			return res, fmt.Errorf("failed to transform %s: %w", item.ID, err)
		}
		if err := s.sink.Upsert(ctx, pass, item.ID, payload); err != nil {
			return res, err
		}
		res.Updated++
		logger.Debug("upserted event", logging.SyncID(item.ID))
	}

	if err := s.store.Save(ctx, delta.Next); err != nil {
		return res, fmt.Errorf("failed to save sync state: %w", err)
	}
	return res, nil
}

// loadToken returns the stored token, or nil when the pass has to start
// over. Only storage failures are errors.
func (s *Syncer) loadToken(ctx context.Context, logger *slog.Logger) (*state.Token, error) {
	tok, err := s.store.Load(ctx)
	if err != nil {
		if errors.Is(err, state.ErrUnrecognized) {
			logger.Warn("ignoring unreadable sync state, starting full resync", logging.Err(err))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if tok == nil {
		logger.Info("no sync state, starting full resync")
		return nil, nil
	}
	if !s.source.Recognizes(tok) {
		logger.Warn("ignoring sync state from another source, starting full resync",
			slog.String("kind", tok.Kind),
			slog.Int("version", tok.Version))
		return nil, nil
	}
	return tok, nil
}

func (s *Syncer) clearSink(ctx context.Context, logger *slog.Logger, res *Result) error {
	n, err := s.sink.DeleteAllSynced(ctx)
	res.Deleted += n
	if err != nil {
		return fmt.Errorf("failed to clear synced events: %w", err)
	}
	logger.Info("cleared synced events", logging.Count(n))
	return nil
}
