package sink_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/davcalsync/internal/deadletter"
	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/sink/sinktest"
	"github.com/beekhof/davcalsync/internal/transform"
)

func body(summary string) []byte {
	return []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:test",
		"BEGIN:VEVENT",
		"UID:source-uid",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240301T100000Z",
		"DTEND:20240301T110000Z",
		"ORGANIZER:mailto:boss@example.com",
		"SUMMARY:" + summary,
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n")
}

func payload(t *testing.T, syncID, summary string) *ical.Calendar {
	t.Helper()
	cal, err := transform.Transform(syncID, body(summary))
	require.NoError(t, err)
	return cal
}

type fixture struct {
	backend *sinktest.Backend
	sink    *sink.Sink
	dlPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := sinktest.New()
	dlPath := filepath.Join(t.TempDir(), "deadletter.log")
	return &fixture{
		backend: b,
		sink:    sink.New(b, deadletter.New(dlPath), logging.Discard()),
		dlPath:  dlPath,
	}
}

func TestUpsert_TagsAndDerivesID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "Standup")))

	sinkID := identity.Derive("A")
	stored := f.backend.Get(sinkID)
	require.NotNil(t, stored)

	ev := transform.Events(stored)[0]
	assert.Equal(t, "A", transform.Marker(ev))
	assert.Equal(t, sinkID, ev.Props.Get(ical.PropUID).Value)
	assert.Nil(t, ev.Props.Get(ical.PropOrganizer))
}

func TestUpsert_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "Standup")))
	}

	assert.Equal(t, 1, f.backend.Len())
	assert.Equal(t, []string{"A"}, f.backend.Markers())
}

func TestUpsert_DuplicateInPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pass := sink.NewPass()

	require.NoError(t, f.sink.Upsert(ctx, pass, "A", payload(t, "A", "one")))
	err := f.sink.Upsert(ctx, pass, "A", payload(t, "A", "two"))
	assert.ErrorIs(t, err, sink.ErrDuplicateUpsert)
	assert.Len(t, f.backend.Submitted, 1)
}

func TestUpsert_ConflictRecreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sinkID := identity.Derive("A")
	require.NoError(t, f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "old")))
	f.backend.Conflicts[sinkID] = 1

	require.NoError(t, f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "new")))

	assert.Equal(t, []string{sinkID, sinkID, sinkID}, f.backend.Submitted)
	assert.Equal(t, []string{sinkID}, f.backend.Removed, "the conflicting event is deleted before the retry")
	assert.Equal(t, "new", transform.Events(f.backend.Get(sinkID))[0].Props.Get(ical.PropSummary).Value)

	_, err := os.Stat(f.dlPath)
	assert.True(t, os.IsNotExist(err), "a successful retry is not dead-lettered")
}

func TestUpsert_ConflictRetryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sinkID := identity.Derive("A")
	f.backend.Conflicts[sinkID] = 2

	err := f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "x"))
	require.ErrorIs(t, err, sink.ErrConflict)
	assert.Len(t, f.backend.Submitted, 2, "exactly one retry")

	data, readErr := os.ReadFile(f.dlPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), `sync_id="A"`)
	assert.Contains(t, string(data), "BEGIN:VCALENDAR")
}

func TestUpsert_OtherFailureNeverDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sinkID := identity.Derive("A")
	require.NoError(t, f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "old")))
	f.backend.Failures[sinkID] = errors.New("HTTP 400: invalid recurrence")

	err := f.sink.Upsert(ctx, sink.NewPass(), "A", payload(t, "A", "new"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, sink.ErrConflict)

	assert.Empty(t, f.backend.Removed)
	assert.Equal(t, "old", transform.Events(f.backend.Get(sinkID))[0].Props.Get(ical.PropSummary).Value)

	data, readErr := os.ReadFile(f.dlPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "invalid recurrence")
}

func TestDelete_FiltersFalsePositives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Substring search for "A" also returns "AB" and "xa".
	f.backend.Put(identity.Derive("A"), "A", "a")
	f.backend.Put(identity.Derive("AB"), "AB", "ab")
	f.backend.Put(identity.Derive("xa"), "xa", "xa")

	n, err := f.sink.Delete(ctx, "A")
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"AB", "xa"}, f.backend.Markers())
}

func TestDelete_ExtraCandidatesIgnored(t *testing.T) {
	f := newFixture(t)
	f.backend.Extra = []sink.Candidate{{SinkID: "foreign", Marker: ""}, {SinkID: "other", Marker: "B"}}

	n, err := f.sink.Delete(context.Background(), "A")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.backend.Removed)
}

func TestDelete_NothingToDelete(t *testing.T) {
	f := newFixture(t)

	n, err := f.sink.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteMany_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.Put(identity.Derive("A"), "A", "a")
	f.backend.Put(identity.Derive("B"), "B", "b")
	f.backend.Put(identity.Derive("C"), "C", "c")
	f.backend.RemoveFailures[identity.Derive("B")] = errors.New("HTTP 500")

	n, err := f.sink.DeleteMany(ctx, []string{"A", "B", "C", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"B"}, f.backend.Markers())
}

func TestDeleteAllSynced_LeavesForeignEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.Put(identity.Derive("A"), "A", "a")
	f.backend.Put(identity.Derive("B"), "B", "b")
	f.backend.Put("personal", "", "dentist")

	n, err := f.sink.DeleteAllSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{""}, f.backend.Markers())
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.Put(identity.Derive("A"), "A", "a")
	f.backend.Put(identity.Derive("AB"), "AB", "ab")
	f.backend.Put("personal", "", "dentist")

	all, err := f.sink.Dump(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := f.sink.Dump(ctx, "A")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, sink.Entry{SyncID: "A", SinkID: identity.Derive("A"), Summary: "a"}, one[0])

	assert.Equal(t, 3, f.backend.Len(), "dump is read-only")
	assert.Empty(t, f.backend.Removed)
}

func TestSearchError(t *testing.T) {
	f := newFixture(t)
	f.backend.SearchErr = errors.New("HTTP 503")

	_, err := f.sink.Delete(context.Background(), "A")
	assert.Error(t, err)
	_, err = f.sink.DeleteAllSynced(context.Background())
	assert.Error(t, err)
}

func TestSendRaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, err := transform.Parse(body("raw"))
	require.NoError(t, err)
	require.NoError(t, f.sink.SendRaw(ctx, raw))

	assert.Equal(t, []string{""}, f.backend.Submitted, "source-uid is not a valid sink id")
	assert.Equal(t, []string{""}, f.backend.Markers(), "no marker is added")

	valid, err := transform.Parse([]byte(strings.Replace(string(body("raw")), "UID:source-uid", "UID:abcdef0123", 1)))
	require.NoError(t, err)
	require.NoError(t, f.sink.SendRaw(ctx, valid))
	assert.Equal(t, "abcdef0123", f.backend.Submitted[1])
}

func TestSendRaw_NoEvent(t *testing.T) {
	f := newFixture(t)
	err := f.sink.SendRaw(context.Background(), transform.NewPayload())
	assert.ErrorIs(t, err, transform.ErrNoEvent)
}
