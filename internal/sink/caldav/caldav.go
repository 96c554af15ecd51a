// Package caldav is a sink backend writing to a CalDAV collection. Each
// synced event is stored as <sink id>.ics.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/beekhof/davcalsync/internal/caldav"
	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/transform"
)

// Backend implements sink.Backend on one calendar collection.
type Backend struct {
	client     *caldav.Client
	collection string
	logger     *slog.Logger
}

var _ sink.Backend = (*Backend)(nil)

// New creates a backend for the collection at calendarPath.
func New(client *caldav.Client, calendarPath string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:     client,
		collection: caldav.CollectionPath(calendarPath),
		logger:     logger,
	}
}

// Search implements sink.Backend. The server-side text-match is a
// case-insensitive substring match.
func (b *Backend) Search(ctx context.Context, syncID string) ([]sink.Candidate, error) {
	ms, err := b.client.Report(ctx, b.collection, "1", caldav.PropQueryBody(identity.MarkerProp, syncID))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var out []sink.Candidate
	for _, resp := range ms.Responses {
		if resp.CalendarData == "" {
			continue
		}
		cal, err := transform.Parse([]byte(resp.CalendarData))
		if err != nil {
			b.logger.Warn("skipping unparseable resource", slog.String("href", resp.Href), logging.Err(err))
			continue
		}
		events := transform.Events(cal)
		if len(events) == 0 {
			continue
		}

		event := taggedEvent(events)
		ref := caldav.HrefPath(resp.Href)
		c := sink.Candidate{
			SinkID: strings.TrimSuffix(path.Base(ref), ".ics"),
			Marker: transform.Marker(event),
			Ref:    ref,
		}
		if p := event.Props.Get(ical.PropSummary); p != nil {
			c.Summary, _ = p.Text()
		}
		if p := event.Props.Get(ical.PropDateTimeStart); p != nil {
			c.Start = p.Value
		}
		out = append(out, c)
	}
	return out, nil
}

// taggedEvent returns the first event carrying a marker. A resource edited
// elsewhere may list an untagged override before the master.
func taggedEvent(events []*ical.Component) *ical.Component {
	for _, ev := range events {
		if transform.Marker(ev) != "" {
			return ev
		}
	}
	return events[0]
}

// Submit implements sink.Backend.
func (b *Backend) Submit(ctx context.Context, sinkID string, payload *ical.Calendar) error {
	if sinkID == "" {
		sinkID = uuid.NewString()
	}
	data, err := transform.Encode(payload)
	if err != nil {
		return err
	}

	err = b.client.Put(ctx, caldav.ResourcePath(b.collection, sinkID+".ics"), data, nil)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Remove implements sink.Backend.
func (b *Backend) Remove(ctx context.Context, c sink.Candidate) error {
	if err := b.client.Delete(ctx, c.Ref); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// classify maps refused updates to sink.ErrConflict: precondition
// failures, and the CalDAV no-uid-conflict precondition raised when the UID
// already lives in another resource.
func classify(err error) error {
	var statusErr *caldav.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusConflict,
			statusErr.StatusCode == http.StatusPreconditionFailed,
			statusErr.StatusCode == http.StatusForbidden && strings.Contains(statusErr.Body, "no-uid-conflict"):
			return fmt.Errorf("%w: %v", sink.ErrConflict, err)
		}
	}
	return fmt.Errorf("failed to store event: %w", err)
}
