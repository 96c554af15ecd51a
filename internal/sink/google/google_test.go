package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/davcalsync/internal/deadletter"
	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/sink"
	"github.com/beekhof/davcalsync/internal/transform"
)

// fakeCalendar is a minimal Google Calendar API covering the calls the
// backend makes.
type fakeCalendar struct {
	mu        sync.Mutex
	events    map[string]*calendar.Event // by id
	calendars []*calendar.CalendarListEntry
	created   []*calendar.Calendar
	patched   map[string]string
	queries   []string
	// deleteParams records the sendUpdates parameter of every delete.
	deleteParams []string
	// conflicts makes the next import of an id fail with HTTP 409.
	conflicts map[string]int
	pageSize  int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:    make(map[string]*calendar.Event),
		patched:   make(map[string]string),
		conflicts: make(map[string]int),
		pageSize:  2,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	switch {
	case r.Method == http.MethodGet && p == "/users/me/calendarList":
		writeJSON(w, &calendar.CalendarList{Items: f.calendars})

	case r.Method == http.MethodPost && p == "/calendars":
		var cal calendar.Calendar
		_ = json.NewDecoder(r.Body).Decode(&cal)
		cal.Id = "new-calendar"
		f.created = append(f.created, &cal)
		writeJSON(w, &cal)

	case r.Method == http.MethodPatch && strings.HasPrefix(p, "/users/me/calendarList/"):
		var entry calendar.CalendarListEntry
		_ = json.NewDecoder(r.Body).Decode(&entry)
		f.patched[strings.TrimPrefix(p, "/users/me/calendarList/")] = entry.ColorId
		writeJSON(w, &entry)

	case r.Method == http.MethodPost && p == "/calendars/work/events/import":
		var ev calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		key := ev.Id
		if key == "" {
			key = ev.ICalUID
			if ev.OriginalStartTime != nil {
				key += "_" + ev.OriginalStartTime.DateTime + ev.OriginalStartTime.Date
			}
		}
		if f.conflicts[key] > 0 {
			f.conflicts[key]--
			writeError(w, http.StatusConflict, "The requested identifier already exists.")
			return
		}
		ev.Id = key
		f.events[key] = &ev
		writeJSON(w, &ev)

	case r.Method == http.MethodGet && p == "/calendars/work/events":
		f.queries = append(f.queries, r.URL.RawQuery)
		filter := r.URL.Query().Get("privateExtendedProperty")
		var matched []*calendar.Event
		for _, id := range sortedKeys(f.events) {
			ev := f.events[id]
			if filter != "" {
				key, value, _ := strings.Cut(filter, "=")
				if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[key] != value {
					continue
				}
			}
			matched = append(matched, ev)
		}
		start := 0
		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			_ = json.Unmarshal([]byte(tok), &start)
		}
		end := min(start+f.pageSize, len(matched))
		page := &calendar.Events{Items: matched[start:end]}
		if end < len(matched) {
			tok, _ := json.Marshal(end)
			page.NextPageToken = string(tok)
		}
		writeJSON(w, page)

	case r.Method == http.MethodDelete && strings.HasPrefix(p, "/calendars/work/events/"):
		id := strings.TrimPrefix(p, "/calendars/work/events/")
		if _, ok := f.events[id]; !ok {
			writeError(w, http.StatusGone, "Resource has been deleted")
			return
		}
		f.deleteParams = append(f.deleteParams, r.URL.Query().Get("sendUpdates"))
		delete(f.events, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusNotFound, r.Method+" "+p)
	}
}

func sortedKeys(m map[string]*calendar.Event) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestClient(t *testing.T, f *fakeCalendar) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), srv.Client(), logging.Discard(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return c
}

const recurring = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:test\r\n" +
	"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20240101T000000Z\r\nDTSTART:20240304T170000Z\r\nDTEND:20240304T173000Z\r\nRRULE:FREQ=WEEKLY;COUNT=4\r\nSUMMARY:Weekly\r\nORGANIZER:mailto:boss@example.com\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20240101T000000Z\r\nRECURRENCE-ID:20240311T170000Z\r\nDTSTART:20240311T180000Z\r\nDTEND:20240311T183000Z\r\nSUMMARY:Weekly (moved)\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestUpsertThroughSink(t *testing.T) {
	f := newFakeCalendar()
	backend := newTestClient(t, f).Backend("work")
	s := sink.New(backend, deadletter.New(t.TempDir()+"/dl.log"), logging.Discard())
	ctx := context.Background()

	payload, err := transform.Transform("ews-item-1", []byte(recurring))
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, sink.NewPass(), "ews-item-1", payload))

	sinkID := identity.Derive("ews-item-1")
	master := f.events[sinkID]
	require.NotNil(t, master, "the master event uses the derived id")
	assert.Equal(t, sinkID, master.ICalUID)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;COUNT=4"}, master.Recurrence)
	assert.Equal(t, "ews-item-1", master.ExtendedProperties.Private[identity.GoogleMarkerKey])
	assert.Len(t, f.events, 2, "master and override")

	entries, err := s.Dump(ctx, "ews-item-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, f.queries[0], "privateExtendedProperty=davcalsyncId%3Dews-item-1")
	assert.Contains(t, f.queries[0], "showDeleted=false")

	n, err := s.Delete(ctx, "ews-item-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.events)
	assert.Equal(t, []string{"none", "none"}, f.deleteParams, "deletes never notify attendees")
}

func TestSubmit_Conflict(t *testing.T) {
	f := newFakeCalendar()
	backend := newTestClient(t, f).Backend("work")

	payload, err := transform.Transform("x", []byte(recurring))
	require.NoError(t, err)

	f.conflicts["dvcalid"] = 1
	err = backend.Submit(context.Background(), "dvcalid", payload)
	assert.ErrorIs(t, err, sink.ErrConflict)

	require.NoError(t, backend.Submit(context.Background(), "dvcalid", payload))
}

func TestSearch_AllPages(t *testing.T) {
	f := newFakeCalendar()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		ev := &calendar.Event{Id: id, Summary: id, Start: &calendar.EventDateTime{Date: "2024-03-01"}}
		if id != "e" {
			ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{identity.GoogleMarkerKey: "m-" + id}}
		}
		f.events[id] = ev
	}
	backend := newTestClient(t, f).Backend("work")

	found, err := backend.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, found, 5)
	assert.Equal(t, sink.Candidate{SinkID: "a", Ref: "a", Marker: "m-a", Summary: "a", Start: "2024-03-01"}, found[0])
	assert.Empty(t, found[4].Marker)
	assert.Len(t, f.queries, 3)
}

func TestRemove_AlreadyGone(t *testing.T) {
	f := newFakeCalendar()
	backend := newTestClient(t, f).Backend("work")

	require.NoError(t, backend.Remove(context.Background(), sink.Candidate{SinkID: "x", Ref: "x"}))
}

func TestSubmit_RawWithoutSinkID(t *testing.T) {
	f := newFakeCalendar()
	backend := newTestClient(t, f).Backend("work")

	payload, err := transform.Parse([]byte(recurring))
	require.NoError(t, err)
	require.NoError(t, backend.Submit(context.Background(), "", payload))

	require.Len(t, f.events, 2)
	for _, ev := range f.events {
		assert.Equal(t, "series", ev.ICalUID)
		assert.Nil(t, ev.ExtendedProperties)
	}
}

func TestFindOrCreateCalendarByName(t *testing.T) {
	f := newFakeCalendar()
	f.calendars = []*calendar.CalendarListEntry{{Id: "existing", Summary: "Work"}}
	c := newTestClient(t, f)
	ctx := context.Background()

	id, err := c.FindOrCreateCalendarByName(ctx, "Work", "7")
	require.NoError(t, err)
	assert.Equal(t, "existing", id)
	assert.Empty(t, f.created)

	id, err = c.FindOrCreateCalendarByName(ctx, "Synced", "7")
	require.NoError(t, err)
	assert.Equal(t, "new-calendar", id)
	require.Len(t, f.created, 1)
	assert.Equal(t, "Synced", f.created[0].Summary)
	assert.Equal(t, "7", f.patched["new-calendar"])
}
