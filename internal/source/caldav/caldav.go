// Package caldav is a change source reading a CalDAV collection through
// RFC 6578 collection synchronization.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beekhof/davcalsync/internal/caldav"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/source"
	"github.com/beekhof/davcalsync/internal/state"
	"github.com/beekhof/davcalsync/internal/transform"
)

const (
	// Kind tags tokens produced by this source.
	Kind = "caldav"

	tokenVersion = 1

	multigetBatch = 100
)

type tokenData struct {
	SyncToken  string `json:"sync_token"`
	Collection string `json:"collection"`
}

// Source reads one calendar collection.
type Source struct {
	client     *caldav.Client
	collection string
	logger     *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New creates a source for the collection at calendarPath.
func New(client *caldav.Client, calendarPath string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:     client,
		collection: caldav.CollectionPath(calendarPath),
		logger:     logger,
	}
}

// Kind implements source.Source.
func (s *Source) Kind() string {
	return Kind
}

// Recognizes implements source.Source.
func (s *Source) Recognizes(tok *state.Token) bool {
	_, ok := s.syncToken(tok)
	return ok
}

func (s *Source) syncToken(tok *state.Token) (string, bool) {
	var data tokenData
	if err := tok.Decode(Kind, tokenVersion, &data); err != nil {
		return "", false
	}
	if data.SyncToken == "" || data.Collection != s.collection {
		return "", false
	}
	return data.SyncToken, true
}

// Discover implements source.Source.
func (s *Source) Discover(ctx context.Context, prev *state.Token) (*source.Delta, error) {
	syncToken, ok := s.syncToken(prev)
	if prev != nil && !ok {
		s.logger.Warn("ignoring unrecognized sync state, listing the whole collection")
	}

	delta, err := s.discover(ctx, syncToken)
	if syncToken != "" && invalidSyncToken(err) {
		s.logger.Warn("server rejected sync token, listing the whole collection", logging.Err(err))
		delta, err = s.discover(ctx, "")
	}
	return delta, err
}

// invalidSyncToken matches the DAV:valid-sync-token precondition failure.
func invalidSyncToken(err error) bool {
	var statusErr *caldav.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed:
		return strings.Contains(statusErr.Body, "valid-sync-token")
	}
	return false
}

func (s *Source) discover(ctx context.Context, syncToken string) (*source.Delta, error) {
	tracker := source.NewTracker(syncToken == "")
	self := caldav.HrefPath(s.collection)

	for {
		ms, err := s.client.Report(ctx, s.collection, "0", caldav.SyncCollectionBody(syncToken))
		if err != nil {
			return nil, fmt.Errorf("failed to sync collection: %w", err)
		}
		if ms.SyncToken == "" {
			return nil, fmt.Errorf("failed to sync collection: response carries no sync token")
		}

		truncated := false
		for _, resp := range ms.Responses {
			id := caldav.HrefPath(resp.Href)
			if id == self {
				// RFC 6578 section 3.6: the collection reports 507 when the
				// result set was truncated.
				if resp.Status == http.StatusInsufficientStorage {
					truncated = true
				}
				continue
			}
			if strings.HasSuffix(resp.Href, "/") {
				continue
			}
			if resp.Status == http.StatusNotFound {
				err = tracker.Deleted(id)
			} else {
				err = tracker.Changed(source.Ref{ID: id, ChangeKey: resp.ETag})
			}
			if err != nil {
				return nil, err
			}
		}
		syncToken = ms.SyncToken

		if !truncated {
			break
		}
		s.logger.Debug("sync-collection result truncated, continuing")
	}

	next, err := state.NewToken(Kind, tokenVersion, tokenData{SyncToken: syncToken, Collection: s.collection})
	if err != nil {
		return nil, err
	}
	return tracker.Finish(next), nil
}

// Materialize implements source.Source. Resources without a VEVENT, such as
// tasks stored in the same collection, are skipped. Resources deleted since
// discovery are skipped as well.
func (s *Source) Materialize(ctx context.Context, refs []source.Ref) ([]source.Item, error) {
	var items []source.Item
	for start := 0; start < len(refs); start += multigetBatch {
		end := min(start+multigetBatch, len(refs))
		batch, err := s.multiget(ctx, refs[start:end])
		if err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (s *Source) multiget(ctx context.Context, refs []source.Ref) ([]source.Item, error) {
	hrefs := make([]string, len(refs))
	for i, ref := range refs {
		hrefs[i] = ref.ID
	}

	ms, err := s.client.Report(ctx, s.collection, "1", caldav.MultigetBody(hrefs))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar data: %w", err)
	}

	bodies := make(map[string]string, len(ms.Responses))
	for _, resp := range ms.Responses {
		if resp.Status >= 200 && resp.Status <= 299 && resp.CalendarData != "" {
			bodies[caldav.HrefPath(resp.Href)] = resp.CalendarData
		}
	}

	var items []source.Item
	for _, ref := range refs {
		body, ok := bodies[ref.ID]
		if !ok {
			s.logger.Debug("resource vanished before fetch", logging.SyncID(ref.ID))
			continue
		}
		if !hasEvent(body) {
			s.logger.Debug("skipping non-event resource", logging.SyncID(ref.ID))
			continue
		}
		items = append(items, source.Item{Ref: ref, Body: []byte(body)})
	}
	return items, nil
}

// hasEvent reports whether body holds a VEVENT. Unparseable bodies are
// passed on so the transform step reports them.
func hasEvent(body string) bool {
	cal, err := transform.Parse([]byte(body))
	if err != nil {
		return true
	}
	return len(transform.Events(cal)) > 0
}
