package ews

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/davcalsync/internal/logging"
	"github.com/beekhof/davcalsync/internal/source"
	"github.com/beekhof/davcalsync/internal/state"
)

const envelopeHead = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages" xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">`

const envelopeTail = `</s:Body></s:Envelope>`

func syncPage(syncState string, last bool, changes string) string {
	return fmt.Sprintf(`%s<m:SyncFolderItemsResponse><m:ResponseMessages>
<m:SyncFolderItemsResponseMessage ResponseClass="Success">
<m:ResponseCode>NoError</m:ResponseCode>
<m:SyncState>%s</m:SyncState>
<m:IncludesLastItemInRange>%t</m:IncludesLastItemInRange>
<m:Changes>%s</m:Changes>
</m:SyncFolderItemsResponseMessage></m:ResponseMessages></m:SyncFolderItemsResponse>%s`,
		envelopeHead, syncState, last, changes, envelopeTail)
}

func create(id, ck string) string {
	return fmt.Sprintf(`<t:Create><t:CalendarItem><t:ItemId Id="%s" ChangeKey="%s"/></t:CalendarItem></t:Create>`, id, ck)
}

func update(id, ck string) string {
	return fmt.Sprintf(`<t:Update><t:CalendarItem><t:ItemId Id="%s" ChangeKey="%s"/></t:CalendarItem></t:Update>`, id, ck)
}

func remove(id string) string {
	return fmt.Sprintf(`<t:Delete><t:ItemId Id="%s" ChangeKey="x"/></t:Delete>`, id)
}

// fakeEWS answers SyncFolderItems from a page table keyed by the incoming
// SyncState and GetItem from a map of item bodies.
type fakeEWS struct {
	pages    map[string]string
	items    map[string]string // id -> element name + body, "CalendarItem|<ics>"
	requests []string
}

func (f *fakeEWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, _ := r.BasicAuth()
	if user != "jdoe" || pass != "hunter2" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	data, _ := io.ReadAll(r.Body)
	body := string(data)
	f.requests = append(f.requests, body)

	switch {
	case strings.Contains(body, "<m:SyncFolderItems>"):
		key := ""
		if i := strings.Index(body, "<m:SyncState>"); i >= 0 {
			rest := body[i+len("<m:SyncState>"):]
			key = rest[:strings.Index(rest, "<")]
		}
		page, ok := f.pages[key]
		if !ok {
			page = fmt.Sprintf(`%s<m:SyncFolderItemsResponse><m:ResponseMessages>
<m:SyncFolderItemsResponseMessage ResponseClass="Error">
<m:MessageText>The synchronization state data is corrupt or otherwise invalid.</m:MessageText>
<m:ResponseCode>ErrorInvalidSyncStateData</m:ResponseCode>
</m:SyncFolderItemsResponseMessage></m:ResponseMessages></m:SyncFolderItemsResponse>%s`, envelopeHead, envelopeTail)
		}
		_, _ = w.Write([]byte(page))
	case strings.Contains(body, "<m:GetItem>"):
		var msgs strings.Builder
		for _, part := range strings.Split(body, `<t:ItemId Id="`)[1:] {
			id := part[:strings.Index(part, `"`)]
			entry, ok := f.items[id]
			if !ok {
				msgs.WriteString(`<m:GetItemResponseMessage ResponseClass="Error"><m:MessageText>not found</m:MessageText><m:ResponseCode>ErrorItemNotFound</m:ResponseCode><m:Items/></m:GetItemResponseMessage>`)
				continue
			}
			kind, ics, _ := strings.Cut(entry, "|")
			fmt.Fprintf(&msgs, `<m:GetItemResponseMessage ResponseClass="Success"><m:ResponseCode>NoError</m:ResponseCode><m:Items><t:%s><t:MimeContent CharacterSet="UTF-8">%s</t:MimeContent><t:ItemId Id="%s" ChangeKey="x"/></t:%s></m:Items></m:GetItemResponseMessage>`,
				kind, base64.StdEncoding.EncodeToString([]byte(ics)), id, kind)
		}
		fmt.Fprintf(w, `%s<m:GetItemResponse><m:ResponseMessages>%s</m:ResponseMessages></m:GetItemResponse>%s`,
			envelopeHead, msgs.String(), envelopeTail)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestSource(t *testing.T, f *fakeEWS) *Source {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Options{
		URL:      srv.URL + "/EWS/Exchange.asmx",
		Username: "jdoe",
		Password: "hunter2",
		Logger:   logging.Discard(),
	})
}

func tokenFor(t *testing.T, syncState, folder string) *state.Token {
	t.Helper()
	tok, err := state.NewToken(Kind, tokenVersion, tokenData{SyncState: syncState, Folder: folder})
	require.NoError(t, err)
	return tok
}

func TestDiscover_FullListingAcrossPages(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"":   syncPage("s1", false, create("A", "a1")+create("B", "b1")),
		"s1": syncPage("s2", true, create("C", "c1")),
	}}
	src := newTestSource(t, f)

	delta, err := src.Discover(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, delta.Full)
	assert.Equal(t, []source.Ref{{ID: "A", ChangeKey: "a1"}, {ID: "B", ChangeKey: "b1"}, {ID: "C", ChangeKey: "c1"}}, delta.Fetch)
	assert.Empty(t, delta.Deleted)
	assert.True(t, src.Recognizes(delta.Next))

	var data tokenData
	require.NoError(t, delta.Next.Decode(Kind, tokenVersion, &data))
	assert.Equal(t, "s2", data.SyncState)

	assert.Contains(t, f.requests[0], `<t:DistinguishedFolderId Id="calendar"/>`)
	assert.Contains(t, f.requests[0], "<m:MaxChangesReturned>512</m:MaxChangesReturned>")
	assert.NotContains(t, f.requests[0], "<m:SyncState>")
}

func TestDiscover_Incremental(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"s2": syncPage("s3", true, update("A", "a2")+remove("B")+`<t:ReadFlagChange><t:ItemId Id="C"/><t:IsRead>true</t:IsRead></t:ReadFlagChange>`),
	}}
	src := newTestSource(t, f)

	delta, err := src.Discover(context.Background(), tokenFor(t, "s2", "calendar"))
	require.NoError(t, err)

	assert.False(t, delta.Full)
	assert.Equal(t, []source.Ref{{ID: "A", ChangeKey: "a2"}}, delta.Fetch)
	assert.Equal(t, []string{"B"}, delta.Deleted)
}

func TestDiscover_NoChangesStillAdvances(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"s2": syncPage("s3", true, ""),
	}}
	src := newTestSource(t, f)

	delta, err := src.Discover(context.Background(), tokenFor(t, "s2", "calendar"))
	require.NoError(t, err)

	assert.Empty(t, delta.Fetch)
	assert.Empty(t, delta.Deleted)
	require.NotNil(t, delta.Next)
}

func TestDiscover_DuplicateItem(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"": syncPage("s1", true, create("A", "a1")+update("A", "a2")),
	}}
	src := newTestSource(t, f)

	_, err := src.Discover(context.Background(), nil)
	assert.ErrorIs(t, err, source.ErrDuplicateItem)
}

func TestDiscover_UnrecognizedToken(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"": syncPage("s1", true, create("A", "a1")),
	}}
	src := newTestSource(t, f)

	foreign, err := state.NewToken("caldav", 1, map[string]string{"sync_token": "x"})
	require.NoError(t, err)
	assert.False(t, src.Recognizes(foreign))
	assert.False(t, src.Recognizes(tokenFor(t, "s9", "AAMkFolderId")), "token for another folder")

	delta, err := src.Discover(context.Background(), foreign)
	require.NoError(t, err)
	assert.True(t, delta.Full)
	assert.Len(t, delta.Fetch, 1)
}

func TestDiscover_ServerRejectsSyncState(t *testing.T) {
	f := &fakeEWS{pages: map[string]string{
		"": syncPage("s1", true, create("A", "a1")),
	}}
	src := newTestSource(t, f)

	delta, err := src.Discover(context.Background(), tokenFor(t, "expired", "calendar"))
	require.NoError(t, err)
	assert.True(t, delta.Full)
	assert.Equal(t, []source.Ref{{ID: "A", ChangeKey: "a1"}}, delta.Fetch)
}

func TestDiscover_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(&fakeEWS{})
	defer srv.Close()
	src := New(Options{URL: srv.URL, Username: "jdoe", Password: "wrong", Logger: logging.Discard()})

	_, err := src.Discover(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.NotContains(t, err.Error(), "wrong")
}

func TestMaterialize(t *testing.T) {
	f := &fakeEWS{items: map[string]string{
		"A": "CalendarItem|BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
		"M": "MeetingRequest|BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
		"B": "CalendarItem|BEGIN:VCALENDAR\r\nX-B:1\r\nEND:VCALENDAR\r\n",
	}}
	src := newTestSource(t, f)

	items, err := src.Materialize(context.Background(), []source.Ref{
		{ID: "A", ChangeKey: "a1"},
		{ID: "M", ChangeKey: "m1"},
		{ID: "gone", ChangeKey: "g1"},
		{ID: "B", ChangeKey: "b1"},
	})
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].ID)
	assert.Equal(t, "a1", items[0].ChangeKey)
	assert.Equal(t, "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", string(items[0].Body))
	assert.Equal(t, "B", items[1].ID)

	assert.Contains(t, f.requests[0], "<t:IncludeMimeContent>true</t:IncludeMimeContent>")
}

func TestMaterialize_Batches(t *testing.T) {
	f := &fakeEWS{items: map[string]string{}}
	var refs []source.Ref
	for i := 0; i < getItemBatch+3; i++ {
		id := fmt.Sprintf("id%03d", i)
		f.items[id] = "CalendarItem|BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"
		refs = append(refs, source.Ref{ID: id})
	}
	src := newTestSource(t, f)

	items, err := src.Materialize(context.Background(), refs)
	require.NoError(t, err)
	assert.Len(t, items, len(refs))
	assert.Len(t, f.requests, 2)
	assert.Equal(t, refs[len(refs)-1].ID, items[len(items)-1].ID)
}
