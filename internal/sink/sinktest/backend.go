// Package sinktest provides an in-memory sink.Backend for tests.
package sinktest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-ical"

	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/transform"
)

// Backend stores events in memory. Search mimics a CalDAV text-match: a
// case-insensitive substring match on the marker, so it returns false
// positives the Sink has to filter out.
type Backend struct {
	mu     sync.Mutex
	events map[string]*ical.Calendar
	next   int

	// Conflicts makes the next n submits of a sink id fail with
	// sink.ErrConflict.
	Conflicts map[string]int
	// Failures makes every submit of a sink id fail with the given error.
	Failures map[string]error
	// RemoveFailures makes removal of a sink id fail.
	RemoveFailures map[string]error
	// Extra is appended to every search result.
	Extra []sink.Candidate
	// SearchErr fails every search.
	SearchErr error

	// Submitted logs every submit attempt, in order.
	Submitted []string
	// Removed logs every successful removal, in order.
	Removed []string
}

var _ sink.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		events:         make(map[string]*ical.Calendar),
		Conflicts:      make(map[string]int),
		Failures:       make(map[string]error),
		RemoveFailures: make(map[string]error),
	}
}

// Search implements sink.Backend.
func (b *Backend) Search(_ context.Context, syncID string) ([]sink.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.SearchErr != nil {
		return nil, b.SearchErr
	}

	var out []sink.Candidate
	for _, id := range b.sortedIDs() {
		c := candidate(id, b.events[id])
		if syncID == "" || strings.Contains(strings.ToLower(c.Marker), strings.ToLower(syncID)) {
			out = append(out, c)
		}
	}
	return append(out, b.Extra...), nil
}

// Submit implements sink.Backend.
func (b *Backend) Submit(_ context.Context, sinkID string, payload *ical.Calendar) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Submitted = append(b.Submitted, sinkID)
	if err := b.Failures[sinkID]; err != nil {
		return err
	}
	if b.Conflicts[sinkID] > 0 {
		b.Conflicts[sinkID]--
		return fmt.Errorf("%w: HTTP 409", sink.ErrConflict)
	}
	if sinkID == "" {
		b.next++
		sinkID = fmt.Sprintf("raw%d", b.next)
	}

	data, err := transform.Encode(payload)
	if err != nil {
		return err
	}
	stored, err := transform.Parse(data)
	if err != nil {
		return err
	}
	b.events[sinkID] = stored
	return nil
}

// Remove implements sink.Backend.
func (b *Backend) Remove(_ context.Context, c sink.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.RemoveFailures[c.SinkID]; err != nil {
		return err
	}
	if _, ok := b.events[c.SinkID]; !ok {
		return fmt.Errorf("event %s not found", c.SinkID)
	}
	delete(b.events, c.SinkID)
	b.Removed = append(b.Removed, c.SinkID)
	return nil
}

// Put stores an event directly, bypassing Submit. An empty marker stores an
// event this tool did not create.
func (b *Backend) Put(sinkID, marker, summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cal := transform.NewPayload()
	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, sinkID)
	event.Props.SetText(ical.PropSummary, summary)
	if marker != "" {
		transform.Tag(event, marker)
	}
	cal.Children = append(cal.Children, event)
	b.events[sinkID] = cal
}

// Get returns the stored event, or nil.
func (b *Backend) Get(sinkID string) *ical.Calendar {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[sinkID]
}

// Markers returns the marker of every stored event, sorted. Events without a
// marker are reported as "".
func (b *Backend) Markers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, id := range b.sortedIDs() {
		out = append(out, candidate(id, b.events[id]).Marker)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored events.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Backend) sortedIDs() []string {
	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func candidate(sinkID string, cal *ical.Calendar) sink.Candidate {
	c := sink.Candidate{SinkID: sinkID, Ref: sinkID}
	if events := transform.Events(cal); len(events) > 0 {
		c.Marker = transform.Marker(events[0])
		if p := events[0].Props.Get(ical.PropSummary); p != nil {
			c.Summary = p.Value
		}
	}
	return c
}
