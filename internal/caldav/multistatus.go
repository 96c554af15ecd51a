package caldav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Response is one <response> element of a multistatus reply.
type Response struct {
	Href string
	// Status is the response-level status when present, otherwise the
	// status of the first propstat.
	Status       int
	ETag         string
	CalendarData string
	DisplayName  string
}

// Multistatus is a parsed 207 reply.
type Multistatus struct {
	Responses []Response
	SyncToken string
}

type xmlMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []xmlResponse `xml:"response"`
	SyncToken string        `xml:"sync-token"`
}

type xmlResponse struct {
	Href      string        `xml:"href"`
	Status    string        `xml:"status"`
	Propstats []xmlPropstat `xml:"propstat"`
}

type xmlPropstat struct {
	Status string  `xml:"status"`
	Prop   xmlProp `xml:"prop"`
}

type xmlProp struct {
	ETag         string `xml:"getetag"`
	CalendarData string `xml:"calendar-data"`
	DisplayName  string `xml:"displayname"`
}

// ParseMultistatus decodes a WebDAV multistatus body. Element namespaces are
// not checked; servers disagree on prefixes but not on local names.
func ParseMultistatus(body []byte) (*Multistatus, error) {
	var raw xmlMultistatus
	if err := xml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	ms := &Multistatus{SyncToken: strings.TrimSpace(raw.SyncToken)}
	for _, r := range raw.Responses {
		resp := Response{Href: strings.TrimSpace(r.Href)}
		if r.Status != "" {
			resp.Status = parseStatus(r.Status)
		}
		for _, ps := range r.Propstats {
			code := parseStatus(ps.Status)
			if resp.Status == 0 {
				resp.Status = code
			}
			if code < 200 || code > 299 {
				continue
			}
			if resp.ETag == "" {
				resp.ETag = strings.TrimSpace(ps.Prop.ETag)
			}
			if resp.CalendarData == "" {
				resp.CalendarData = ps.Prop.CalendarData
			}
			if resp.DisplayName == "" {
				resp.DisplayName = ps.Prop.DisplayName
			}
		}
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// parseStatus extracts the code from a status line such as
// "HTTP/1.1 404 Not Found". Unparseable lines yield 0.
func parseStatus(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// SyncCollectionBody builds an RFC 6578 sync-collection REPORT. An empty
// token requests the initial full listing.
func SyncCollectionBody(syncToken string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<d:sync-collection xmlns:d="DAV:">
  <d:sync-token>`)
	xml.EscapeText(&b, []byte(syncToken))
	b.WriteString(`</d:sync-token>
  <d:sync-level>1</d:sync-level>
  <d:prop>
    <d:getetag/>
  </d:prop>
</d:sync-collection>`)
	return b.Bytes()
}

// MultigetBody builds a calendar-multiget REPORT for hrefs.
func MultigetBody(hrefs []string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-multiget xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
`)
	for _, href := range hrefs {
		b.WriteString("  <d:href>")
		xml.EscapeText(&b, []byte(href))
		b.WriteString("</d:href>\n")
	}
	b.WriteString(`</c:calendar-multiget>`)
	return b.Bytes()
}

// PropQueryBody builds a calendar-query REPORT selecting VEVENTs that carry
// property prop. A non-empty value adds a text-match; servers evaluate it as
// a case-insensitive substring match, so results must be re-checked.
func PropQueryBody(prop, value string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:prop-filter name="`)
	xml.EscapeText(&b, []byte(prop))
	b.WriteString(`">`)
	if value != "" {
		b.WriteString(`
          <c:text-match collation="i;ascii-casemap">`)
		xml.EscapeText(&b, []byte(value))
		b.WriteString(`</c:text-match>
        `)
	}
	b.WriteString(`</c:prop-filter>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`)
	return b.Bytes()
}
