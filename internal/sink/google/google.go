// Package google is a sink backend for Google Calendar.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/transform"
)

// Client is a wrapper around the Google Calendar API service.
type Client struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a new Google Calendar API client using the provided HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Client{service: service, logger: logger}, nil
}

// FindOrCreateCalendarByName finds an existing calendar by name or creates a new one.
// Returns the calendar ID.
func (c *Client) FindOrCreateCalendarByName(ctx context.Context, name string, colorID string) (string, error) {
	var found string
	err := c.service.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, cal := range page.Items {
			if cal.Summary == name && found == "" {
				found = cal.Id
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("Google: failed to list calendars: %w", err)
	}
	if found != "" {
		return found, nil
	}

	// Calendar doesn't exist, create it
	newCalendar := &calendar.Calendar{
		Summary:     name,
		Description: "Synced calendar managed by davcalsync",
	}

	created, err := c.service.Calendars.Insert(newCalendar).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create calendar: %w", err)
	}

	if colorID != "" {
		_, err = c.service.CalendarList.Patch(created.Id, &calendar.CalendarListEntry{
			ColorId: colorID,
		}).Context(ctx).Do()
		if err != nil {
			c.logger.Warn("failed to set calendar color", slog.String("calendar", name), logging.Err(err))
		}
	}

	c.logger.Info("created calendar", slog.String("calendar", name))
	return created.Id, nil
}

// Backend returns a sink backend writing to calendarID.
func (c *Client) Backend(calendarID string) *Backend {
	return &Backend{service: c.service, calendarID: calendarID, logger: c.logger}
}

// Backend implements sink.Backend on one Google calendar. The provenance
// marker lives in a private extended property, which the events list call
// can filter on.
type Backend struct {
	service    *calendar.Service
	calendarID string
	logger     *slog.Logger
}

var _ sink.Backend = (*Backend)(nil)

// Search implements sink.Backend.
func (b *Backend) Search(ctx context.Context, syncID string) ([]sink.Candidate, error) {
	call := b.service.Events.List(b.calendarID).
		ShowDeleted(false).
		MaxResults(2500)
	if syncID != "" {
		call = call.PrivateExtendedProperty(identity.GoogleMarkerKey + "=" + syncID)
	}

	var out []sink.Candidate
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			out = append(out, candidate(ev))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

func candidate(ev *calendar.Event) sink.Candidate {
	c := sink.Candidate{SinkID: ev.Id, Ref: ev.Id, Summary: ev.Summary}
	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private != nil {
		c.Marker = ev.ExtendedProperties.Private[identity.GoogleMarkerKey]
	}
	if ev.Start != nil {
		c.Start = ev.Start.DateTime
		if c.Start == "" {
			c.Start = ev.Start.Date
		}
	}
	return c
}

// Submit implements sink.Backend. Events are imported, which creates or
// replaces them by iCalendar UID without notifying anyone. The master event
// goes first so recurrence overrides can attach to it.
func (b *Backend) Submit(ctx context.Context, sinkID string, payload *ical.Calendar) error {
	vevents := transform.Events(payload)
	if len(vevents) == 0 {
		return transform.ErrNoEvent
	}

	z := newZones(payload)
	var masters, overrides []*calendar.Event
	for _, vevent := range vevents {
		ev, err := z.toGoogleEvent(vevent)
		if err != nil {
			return fmt.Errorf("failed to convert event: %w", err)
		}
		if ev.OriginalStartTime != nil {
			overrides = append(overrides, ev)
		} else {
			masters = append(masters, ev)
		}
	}

	ordered := append(masters, overrides...)
	uid := sinkID
	if uid == "" {
		for _, ev := range ordered {
			if ev.ICalUID != "" {
				uid = ev.ICalUID
				break
			}
		}
	}
	if uid == "" {
		uid = uuid.NewString()
	}

	for i, ev := range ordered {
		ev.ICalUID = uid
		if i == 0 && len(masters) > 0 && sinkID != "" {
			ev.Id = sinkID
		}
		_, err := b.service.Events.Import(b.calendarID, ev).
			ConferenceDataVersion(0).
			Context(ctx).
			Do()
		if err != nil {
			return classify(err)
		}
	}
	b.logger.Debug("imported event", slog.String("ical_uid", uid), logging.Count(len(ordered)))
	return nil
}

// Remove implements sink.Backend. An event that is already gone, such as an
// override removed together with its series, counts as removed.
func (b *Backend) Remove(ctx context.Context, c sink.Candidate) error {
	err := b.service.Events.Delete(b.calendarID, c.Ref).
		SendUpdates("none"). // Disable notifications
		Context(ctx).
		Do()
	if err != nil && !isGone(err) {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// classify maps the statuses Google uses to refuse an update of an existing
// event to sink.ErrConflict.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", sink.ErrConflict, err)
		}
	}
	return fmt.Errorf("failed to import event: %w", err)
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}
