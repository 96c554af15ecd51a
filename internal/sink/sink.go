// Package sink applies synced events to a destination calendar.
//
// Sink holds the provider independent algorithm: deterministic event ids,
// the provenance marker, the conflict retry and the dead-letter path. A
// Backend only knows how to search, submit and remove events on one
// provider.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emersion/go-ical"

	"github.com/beekhof/davcalsync/internal/deadletter"
	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/transform"
)

var (
	// ErrConflict is returned by a Backend when the sink refuses an update
	// of an existing event, as Google does for some recurring-event
	// exceptions. The Sink answers it by deleting and recreating the event.
	ErrConflict = errors.New("sink rejected the update")

	// ErrDuplicateUpsert is returned when the same sync id is upserted twice
	// within one pass.
	ErrDuplicateUpsert = errors.New("sync id upserted twice in one pass")
)

// Candidate is an event returned by a Backend search.
type Candidate struct {
	SinkID string
	// Marker is the provenance value read back from the event, "" when the
	// event carries none.
	Marker string
	// Ref is the backend's handle for removal, such as a resource href.
	Ref     string
	Summary string
	Start   string
}

// Entry is one synced event as reported by Dump.
type Entry struct {
	SyncID  string
	SinkID  string
	Summary string
	Start   string
}

// Backend is one calendar provider.
type Backend interface {
	// Search returns events that probably carry the marker syncID, or any
	// marker when syncID is empty. Results are a hint: providers match
	// loosely and may include unrelated events.
	Search(ctx context.Context, syncID string) ([]Candidate, error)
	// Submit creates or replaces the event sinkID. An empty sinkID lets the
	// backend choose. A refused update of an existing event is reported as
	// ErrConflict.
	Submit(ctx context.Context, sinkID string, payload *ical.Calendar) error
	// Remove deletes one event.
	Remove(ctx context.Context, c Candidate) error
}

// Pass tracks the sync ids upserted during one reconciliation pass.
type Pass struct {
	seen map[string]bool
}

// NewPass starts a pass.
func NewPass() *Pass {
	return &Pass{seen: make(map[string]bool)}
}

// Sink applies events to a Backend.
type Sink struct {
	backend    Backend
	deadLetter *deadletter.Log
	logger     *slog.Logger
}

// New creates a Sink. Payloads that cannot be applied are appended to
// deadLetter.
func New(backend Backend, deadLetter *deadletter.Log, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{backend: backend, deadLetter: deadLetter, logger: logger}
}

// matches re-checks a search result against the exact provenance value.
// An empty syncID matches any event that carries a marker.
func matches(c Candidate, syncID string) bool {
	if syncID == "" {
		return c.Marker != ""
	}
	return c.Marker == syncID
}

func (s *Sink) find(ctx context.Context, syncID string) ([]Candidate, error) {
	found, err := s.backend.Search(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("failed to search sink: %w", err)
	}
	var out []Candidate
	for _, c := range found {
		if matches(c, syncID) {
			out = append(out, c)
		} else {
			s.logger.Debug("ignoring search result without matching marker",
				logging.SyncID(syncID), slog.String("sink_id", c.SinkID))
		}
	}
	return out, nil
}

// Upsert creates or replaces the sink event for syncID with payload. The
// payload's events are tagged with the marker and get the derived sink id
// as UID. A conflict is retried once after deleting the existing event; any
// other failure is dead-lettered and returned.
func (s *Sink) Upsert(ctx context.Context, pass *Pass, syncID string, payload *ical.Calendar) error {
	if pass.seen[syncID] {
		return fmt.Errorf("%w: %s", ErrDuplicateUpsert, syncID)
	}
	pass.seen[syncID] = true

	sinkID := identity.Derive(syncID)
	for _, event := range transform.Events(payload) {
		transform.Tag(event, syncID)
		transform.StripOrganizer(event)
		event.Props.SetText(ical.PropUID, sinkID)
	}

	err := s.backend.Submit(ctx, sinkID, payload)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrConflict) {
		s.logger.Info("sink refused update, recreating event", logging.SyncID(syncID), logging.Err(err))
		if _, delErr := s.Delete(ctx, syncID); delErr != nil {
			err = errors.Join(err, delErr)
		} else if err = s.backend.Submit(ctx, sinkID, payload); err == nil {
			return nil
		}
	}

	s.bury(syncID, payload, err)
	return fmt.Errorf("failed to upsert %s: %w", syncID, err)
}

func (s *Sink) bury(syncID string, payload *ical.Calendar, cause error) {
	if s.deadLetter == nil {
		return
	}
	data, err := transform.Encode(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("(unencodable payload: %v)\n", err))
	}
	if err := s.deadLetter.Append(syncID, data, cause); err != nil {
		s.logger.Error("failed to write dead-letter record", logging.SyncID(syncID), logging.Err(err))
		return
	}
	s.logger.Warn("payload dead-lettered", logging.SyncID(syncID), slog.String("path", s.deadLetter.Path()))
}

// Delete removes every sink event carrying the marker syncID and returns
// how many were removed. Removing nothing is not an error.
func (s *Sink) Delete(ctx context.Context, syncID string) (int, error) {
	if syncID == "" {
		return 0, fmt.Errorf("failed to delete: empty sync id")
	}
	return s.removeMatching(ctx, syncID)
}

// DeleteMany deletes the events of every sync id. It continues past
// failures and returns them joined.
func (s *Sink) DeleteMany(ctx context.Context, syncIDs []string) (int, error) {
	var total int
	var errs []error
	for _, id := range syncIDs {
		n, err := s.Delete(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// DeleteAllSynced removes every event carrying any provenance marker.
// Events this tool did not create are left alone.
func (s *Sink) DeleteAllSynced(ctx context.Context) (int, error) {
	return s.removeMatching(ctx, "")
}

func (s *Sink) removeMatching(ctx context.Context, syncID string) (int, error) {
	found, err := s.find(ctx, syncID)
	if err != nil {
		return 0, err
	}

	var removed int
	var errs []error
	for _, c := range found {
		if err := s.backend.Remove(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove event %s (%s): %w", c.SinkID, c.Marker, err))
			continue
		}
		removed++
		s.logger.Debug("removed event", logging.SyncID(c.Marker), slog.String("sink_id", c.SinkID))
	}
	return removed, errors.Join(errs...)
}

// Dump lists synced events without changing anything. An empty syncID lists
// every synced event.
func (s *Sink) Dump(ctx context.Context, syncID string) ([]Entry, error) {
	found, err := s.find(ctx, syncID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(found))
	for _, c := range found {
		entries = append(entries, Entry{SyncID: c.Marker, SinkID: c.SinkID, Summary: c.Summary, Start: c.Start})
	}
	return entries, nil
}

// SendRaw submits payload as is, without marker or derived id. The
// payload's UID is reused as the sink id when the provider would accept it.
func (s *Sink) SendRaw(ctx context.Context, payload *ical.Calendar) error {
	events := transform.Events(payload)
	if len(events) == 0 {
		return transform.ErrNoEvent
	}

	sinkID := ""
	if uid := events[0].Props.Get(ical.PropUID); uid != nil && identity.IsSinkID(uid.Value) {
		sinkID = uid.Value
	}
	if err := s.backend.Submit(ctx, sinkID, payload); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}
