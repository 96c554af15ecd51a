// Package ews is a change source backed by Exchange Web Services.
//
// Discovery uses SyncFolderItems with an opaque SyncState, which Exchange
// hands back after every page. Bodies are fetched with GetItem and the
// item's MIME content, which for calendar items is an iCalendar object.
package ews

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/source"
	"github.com/beekhof/davcalsync/internal/state"
)

const (
	// Kind tags tokens produced by this source.
	Kind = "ews"

	tokenVersion = 1

	// MaxChangesReturned is the page size requested from SyncFolderItems.
	MaxChangesReturned = 512

	getItemBatch = 64
)

const (
	codeInvalidSyncState = "ErrorInvalidSyncStateData"
	codeItemNotFound     = "ErrorItemNotFound"
)

type tokenData struct {
	SyncState string `json:"sync_state"`
	Folder    string `json:"folder"`
}

// Options configures a Source.
type Options struct {
	URL      string
	Username string
	Password string
	// Folder is "calendar" or an EWS folder id. Defaults to "calendar".
	Folder     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Source reads one EWS calendar folder.
type Source struct {
	client *soapClient
	folder string
	logger *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New creates an EWS source.
func New(opts Options) *Source {
	if opts.Folder == "" {
		opts.Folder = "calendar"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Source{
		client: newSOAPClient(opts.URL, opts.Username, opts.Password, opts.HTTPClient),
		folder: opts.Folder,
		logger: opts.Logger,
	}
}

// Kind implements source.Source.
func (s *Source) Kind() string {
	return Kind
}

// Recognizes implements source.Source. A token for another folder is not
// resumable.
func (s *Source) Recognizes(tok *state.Token) bool {
	_, ok := s.syncState(tok)
	return ok
}

func (s *Source) syncState(tok *state.Token) (string, bool) {
	var data tokenData
	if err := tok.Decode(Kind, tokenVersion, &data); err != nil {
		return "", false
	}
	if data.SyncState == "" || data.Folder != s.folder {
		return "", false
	}
	return data.SyncState, true
}

// Discover implements source.Source.
func (s *Source) Discover(ctx context.Context, prev *state.Token) (*source.Delta, error) {
	syncState, ok := s.syncState(prev)
	if prev != nil && !ok {
		s.logger.Warn("ignoring unrecognized sync state, listing the whole folder")
	}

	delta, err := s.discover(ctx, syncState)
	var respErr *responseError
	if syncState != "" && errors.As(err, &respErr) && respErr.Code == codeInvalidSyncState {
		s.logger.Warn("server rejected sync state, listing the whole folder", logging.Err(err))
		delta, err = s.discover(ctx, "")
	}
	return delta, err
}

func (s *Source) discover(ctx context.Context, syncState string) (*source.Delta, error) {
	tracker := source.NewTracker(syncState == "")

	for page := 1; ; page++ {
		var env syncFolderItemsEnvelope
		if err := s.client.call(ctx, syncFolderItemsBody(s.folder, syncState, MaxChangesReturned), &env); err != nil {
			return nil, fmt.Errorf("failed to sync folder items: %w", err)
		}
		msg := env.Message
		if err := msg.err(); err != nil {
			return nil, fmt.Errorf("failed to sync folder items: %w", err)
		}
		if msg.SyncState == "" {
			return nil, fmt.Errorf("failed to sync folder items: response carries no sync state")
		}

		for _, ch := range msg.Changes.Entries {
			if err := record(tracker, ch); err != nil {
				return nil, err
			}
		}
		syncState = msg.SyncState

		s.logger.Debug("fetched change page",
			slog.Int("page", page),
			logging.Count(len(msg.Changes.Entries)),
			slog.Bool("last", msg.Last))

		if msg.Last {
			break
		}
	}

	next, err := state.NewToken(Kind, tokenVersion, tokenData{SyncState: syncState, Folder: s.folder})
	if err != nil {
		return nil, err
	}
	return tracker.Finish(next), nil
}

func record(tracker *source.Tracker, ch change) error {
	switch ch.XMLName.Local {
	case "Create", "Update":
		for _, item := range ch.Items {
			if item.ItemID.ID == "" {
				continue
			}
			if err := tracker.Changed(source.Ref{ID: item.ItemID.ID, ChangeKey: item.ItemID.ChangeKey}); err != nil {
				return err
			}
		}
	case "Delete":
		if ch.ItemID != nil && ch.ItemID.ID != "" {
			if err := tracker.Deleted(ch.ItemID.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Materialize implements source.Source. Items other than CalendarItem are
// skipped, as are items deleted since discovery; their deletion shows up in
// the next pass.
func (s *Source) Materialize(ctx context.Context, refs []source.Ref) ([]source.Item, error) {
	var items []source.Item
	for start := 0; start < len(refs); start += getItemBatch {
		end := min(start+getItemBatch, len(refs))
		batch, err := s.getItems(ctx, refs[start:end])
		if err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (s *Source) getItems(ctx context.Context, refs []source.Ref) ([]source.Item, error) {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}

	var env getItemEnvelope
	if err := s.client.call(ctx, getItemBody(ids), &env); err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	if len(env.Messages) != len(refs) {
		return nil, fmt.Errorf("failed to get items: requested %d, got %d responses", len(refs), len(env.Messages))
	}

	var items []source.Item
	for i, msg := range env.Messages {
		ref := refs[i]
		if msg.Code == codeItemNotFound {
			s.logger.Debug("item vanished before fetch", logging.SyncID(ref.ID))
			continue
		}
		if err := msg.err(); err != nil {
			return nil, fmt.Errorf("failed to get item %s: %w", ref.ID, err)
		}
		for _, entry := range msg.Items.Entries {
			if entry.XMLName.Local != "CalendarItem" {
				s.logger.Debug("skipping non-event item",
					logging.SyncID(ref.ID), slog.String("type", entry.XMLName.Local))
				continue
			}
			body, err := decodeMime(entry.MimeContent)
			if err != nil {
				return nil, fmt.Errorf("failed to decode item %s: %w", ref.ID, err)
			}
			items = append(items, source.Item{Ref: ref, Body: body})
		}
	}
	return items, nil
}

var errNoMime = errors.New("item has no MIME content")

func decodeMime(content string) ([]byte, error) {
	content = strings.Join(strings.Fields(content), "")
	if content == "" {
		return nil, errNoMime
	}
	return base64.StdEncoding.DecodeString(content)
}
