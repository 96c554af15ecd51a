// Package state persists the opaque per-channel sync token.
//
// A token travels inside a provider-agnostic envelope: the kind of change
// source that produced it, a format version and the provider's own JSON.
// Only the change source of the same kind ever looks inside Data.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognized is returned when a stored token cannot be decoded or was
// produced by a different kind or version of change source. Callers treat it
// as "no token" and fall back to a full resync.
var ErrUnrecognized = errors.New("unrecognized sync state")

// Token is the persisted envelope around a provider-defined sync token.
type Token struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewToken wraps a provider value into an envelope.
func NewToken(kind string, version int, v any) (*Token, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s sync state: %w", kind, err)
	}
	return &Token{Kind: kind, Version: version, Data: data}, nil
}

// Decode unmarshals the provider value if the envelope matches kind and
// version. Any mismatch is reported as ErrUnrecognized.
func (t *Token) Decode(kind string, version int, v any) error {
	if t == nil {
		return fmt.Errorf("%w: no token", ErrUnrecognized)
	}
	if t.Kind != kind {
		return fmt.Errorf("%w: kind %q, expected %q", ErrUnrecognized, t.Kind, kind)
	}
	if t.Version != version {
		return fmt.Errorf("%w: %s version %d, expected %d", ErrUnrecognized, kind, t.Version, version)
	}
	if err := json.Unmarshal(t.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	return nil
}

// Store is durable storage for one channel's token.
type Store interface {
	// Load returns the stored token, or nil without error when none was
	// ever saved. A corrupt token yields an error wrapping ErrUnrecognized.
	Load(ctx context.Context) (*Token, error)
	// Save atomically replaces the stored token.
	Save(ctx context.Context, tok *Token) error
	// Clear removes the stored token so the next pass is a full resync.
	Clear(ctx context.Context) error
	Close() error
}
