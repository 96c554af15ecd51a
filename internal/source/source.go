// Package source defines the change source contract: discovering which
// source items changed since a sync token, and materializing their bodies.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/beekhof/davcalsync/internal/state"
)

// ErrDuplicateItem is returned when a provider reports the same native id
// twice within one discovery. It is a protocol violation, not a transient
// failure.
var ErrDuplicateItem = errors.New("duplicate item in change set")

// Ref identifies a created or updated source item.
type Ref struct {
	ID        string // native id, used verbatim as the sync id
	ChangeKey string // version stamp
}

// Item is a materialized calendar body.
type Item struct {
	Ref
	Body []byte // iCalendar
}

// Delta is the outcome of one discovery.
type Delta struct {
	Fetch   []Ref    // created or updated, in provider order
	Deleted []string // native ids removed at the source
	Next    *state.Token
	// Full is set when discovery started without a usable token, so Fetch
	// lists every item in the collection.
	Full bool
}

// Source is a calendar provider able to report deltas.
type Source interface {
	// Kind names the token format this source produces and accepts.
	Kind() string
	// Recognizes reports whether tok was produced by this kind of source in
	// a format it can resume from.
	Recognizes(tok *state.Token) bool
	// Discover lists changes since prev. A nil or unrecognized prev starts a
	// full listing. Next is always set on success.
	Discover(ctx context.Context, prev *state.Token) (*Delta, error)
	// Materialize fetches bodies for refs. Items that turn out not to be
	// calendar events are omitted. The order of refs is preserved.
	Materialize(ctx context.Context, refs []Ref) ([]Item, error)
}

// Tracker accumulates a Delta across pages and enforces that each native id
// appears at most once.
type Tracker struct {
	delta Delta
	seen  map[string]bool
}

// NewTracker starts a delta. full marks a listing without a usable token.
func NewTracker(full bool) *Tracker {
	return &Tracker{
		delta: Delta{Full: full},
		seen:  make(map[string]bool),
	}
}

// Changed records a created or updated item.
func (t *Tracker) Changed(ref Ref) error {
	if err := t.mark(ref.ID); err != nil {
		return err
	}
	t.delta.Fetch = append(t.delta.Fetch, ref)
	return nil
}

// Deleted records a removed item.
func (t *Tracker) Deleted(id string) error {
	if err := t.mark(id); err != nil {
		return err
	}
	t.delta.Deleted = append(t.delta.Deleted, id)
	return nil
}

func (t *Tracker) mark(id string) error {
	if t.seen[id] {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, id)
	}
	t.seen[id] = true
	return nil
}

// Finish returns the accumulated delta with next as its token.
func (t *Tracker) Finish(next *state.Token) *Delta {
	d := t.delta
	d.Next = next
	return &d
}
