// Package transform normalizes source calendar bodies into the payload
// handed to sinks: an iCalendar object holding the event's VEVENT components
// (master and recurrence overrides) plus the time zones they reference,
// stripped of scheduling metadata and tagged with the provenance marker.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/beekhof/davcalsync/internal/identity"
)

// ErrNoEvent is returned when a calendar body holds no VEVENT component.
var ErrNoEvent = errors.New("no VEVENT component")

// ProductID is written as PRODID on every payload.
const ProductID = "-//davcalsync//EN"

const (
	propBusyStatus     = "X-MICROSOFT-CDO-BUSYSTATUS"
	propIntendedStatus = "X-MICROSOFT-CDO-INTENDEDSTATUS"
)

// Property name prefixes carrying scheduling metadata with no meaning on
// the sink.
var strippedPrefixes = []string{"X-MICROSOFT-", "X-MS-OLK-"}

// Parse decodes a single iCalendar object.
func Parse(body []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCalendar: %w", err)
	}
	return cal, nil
}

// Encode serializes a payload.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode iCalendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Events returns the VEVENT components of cal in document order.
func Events(cal *ical.Calendar) []*ical.Component {
	var events []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			events = append(events, child)
		}
	}
	return events
}

// Transform converts a source calendar body into a sink payload tagged
// with syncID. A body without any VEVENT is an error: it means the source
// returned something structurally different from what it announced.
func Transform(syncID string, body []byte) (*ical.Calendar, error) {
	src, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if len(Events(src)) == 0 {
		return nil, ErrNoEvent
	}

	out := NewPayload()
	for _, child := range src.Children {
		switch child.Name {
		case ical.CompTimezone:
			out.Children = append(out.Children, child)
		case ical.CompEvent:
			normalizeEvent(child)
			Tag(child, syncID)
			out.Children = append(out.Children, child)
		}
	}
	return out, nil
}

// NewPayload returns an empty calendar with the properties every encoded
// payload needs.
func NewPayload() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	return cal
}

// Tag sets the provenance marker on an event component. The property is
// written without a VALUE parameter so it reads back as a plain
// "X-DAVCALSYNC-ID:<id>" line.
func Tag(event *ical.Component, syncID string) {
	prop := ical.NewProp(identity.MarkerProp)
	prop.SetText(syncID)
	delete(prop.Params, ical.ParamValue)
	event.Props.Set(prop)
}

// Marker returns the provenance marker of an event component, or "" when
// the event carries none.
func Marker(event *ical.Component) string {
	prop := event.Props.Get(identity.MarkerProp)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// StripOrganizer removes the organizer from an event. Sinks refuse changes
// to events whose organizer is somebody else.
func StripOrganizer(event *ical.Component) {
	delete(event.Props, ical.PropOrganizer)
}

func normalizeEvent(event *ical.Component) {
	status := busyStatus(event)

	StripOrganizer(event)
	delete(event.Props, ical.PropAttendee)
	for name := range event.Props {
		for _, prefix := range strippedPrefixes {
			if strings.HasPrefix(name, prefix) {
				delete(event.Props, name)
				break
			}
		}
	}

	switch status {
	case "FREE":
		event.Props.SetText(ical.PropTransparency, "TRANSPARENT")
	case "TENTATIVE":
		event.Props.SetText(ical.PropTransparency, "OPAQUE")
		event.Props.SetText(ical.PropStatus, "TENTATIVE")
	case "BUSY", "OOF", "WORKINGELSEWHERE":
		event.Props.SetText(ical.PropTransparency, "OPAQUE")
	}

	if event.Props.Get(ical.PropDateTimeStamp) == nil {
		event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	}
}

func busyStatus(event *ical.Component) string {
	for _, name := range []string{propBusyStatus, propIntendedStatus} {
		if prop := event.Props.Get(name); prop != nil {
			return strings.ToUpper(strings.TrimSpace(prop.Value))
		}
	}
	return ""
}
