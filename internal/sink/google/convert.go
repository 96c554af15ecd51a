package google

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/davcalsync/internal/identity"
	"github.com/beekhof/davcalsync/internal/transform"
)

// windowsZones maps the Windows time zone names Exchange puts in TZID to
// IANA names.
var windowsZones = map[string]string{
	"UTC":                             "UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Romance Standard Time":           "Europe/Paris",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Central European Standard Time":  "Europe/Warsaw",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"FLE Standard Time":               "Europe/Kiev",
	"GTB Standard Time":               "Europe/Bucharest",
	"Russian Standard Time":           "Europe/Moscow",
	"Israel Standard Time":            "Asia/Jerusalem",
	"India Standard Time":             "Asia/Kolkata",
	"China Standard Time":             "Asia/Shanghai",
	"Singapore Standard Time":         "Asia/Singapore",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Eastern Standard Time":           "America/New_York",
	"Central Standard Time":           "America/Chicago",
	"Mountain Standard Time":          "America/Denver",
	"US Mountain Standard Time":       "America/Phoenix",
	"Pacific Standard Time":           "America/Los_Angeles",
	"Alaskan Standard Time":           "America/Anchorage",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Atlantic Standard Time":          "America/Halifax",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Arabian Standard Time":           "Asia/Dubai",
	"Korea Standard Time":             "Asia/Seoul",
	"Taipei Standard Time":            "Asia/Taipei",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"Canada Central Standard Time":    "America/Regina",
	"Newfoundland Standard Time":      "America/St_Johns",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"W. Australia Standard Time":      "Australia/Perth",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Egypt Standard Time":             "Africa/Cairo",
	"Argentina Standard Time":         "America/Argentina/Buenos_Aires",
	"SA Pacific Standard Time":        "America/Bogota",
	"Central America Standard Time":   "America/Guatemala",
	"Mexico Standard Time":            "America/Mexico_City",
	"Central Standard Time (Mexico)":  "America/Mexico_City",
	"Pacific SA Standard Time":        "America/Santiago",
	"Venezuela Standard Time":         "America/Caracas",
	"Pakistan Standard Time":          "Asia/Karachi",
	"Bangladesh Standard Time":        "Asia/Dhaka",
	"West Asia Standard Time":         "Asia/Tashkent",
	"Iran Standard Time":              "Asia/Tehran",
	"Arab Standard Time":              "Asia/Riyadh",
	"Nepal Standard Time":             "Asia/Kathmandu",
	"Myanmar Standard Time":           "Asia/Yangon",
	"N. Central Asia Standard Time":   "Asia/Novosibirsk",
	"North Asia Standard Time":        "Asia/Krasnoyarsk",
	"North Asia East Standard Time":   "Asia/Irkutsk",
	"Yakutsk Standard Time":           "Asia/Yakutsk",
	"Vladivostok Standard Time":       "Asia/Vladivostok",
	"Tasmania Standard Time":          "Australia/Hobart",
	"Fiji Standard Time":              "Pacific/Fiji",
	"Tonga Standard Time":             "Pacific/Tongatapu",
	"Azores Standard Time":            "Atlantic/Azores",
	"Cape Verde Standard Time":        "Atlantic/Cape_Verde",
	"Morocco Standard Time":           "Africa/Casablanca",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"E. Africa Standard Time":         "Africa/Nairobi",
}

// zones resolves TZID parameters. VTIMEZONE components of the payload are
// the last resort for names neither the system nor windowsZones know.
type zones struct {
	custom map[string]*time.Location
}

func newZones(cal *ical.Calendar) *zones {
	z := &zones{custom: make(map[string]*time.Location)}
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		tzid := child.Props.Get(ical.PropTimezoneID)
		if tzid == nil {
			continue
		}
		if loc := fixedZone(tzid.Value, child); loc != nil {
			z.custom[tzid.Value] = loc
		}
	}
	return z
}

// resolve returns the location for tzid and the IANA name to report to
// Google, "" when the zone has no IANA name.
func (z *zones) resolve(tzid string) (*time.Location, string) {
	if tzid == "" {
		return time.UTC, ""
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc, tzid
	}
	if name, ok := windowsZones[tzid]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, name
		}
	}
	if loc, ok := z.custom[tzid]; ok {
		return loc, ""
	}
	return time.UTC, ""
}

// fixedZone builds a location from the standard offset of a VTIMEZONE.
// Daylight saving rules are ignored.
func fixedZone(name string, vtz *ical.Component) *time.Location {
	for _, sub := range vtz.Children {
		if sub.Name != ical.CompTimezoneStandard {
			continue
		}
		offset := sub.Props.Get(ical.PropTimezoneOffsetTo)
		if offset == nil {
			continue
		}
		secs, err := parseOffset(offset.Value)
		if err != nil {
			return nil
		}
		return time.FixedZone(name, secs)
	}
	return nil
}

func parseOffset(s string) (int, error) {
	var sign, hours, minutes int
	switch {
	case strings.HasPrefix(s, "+"):
		sign = 1
	case strings.HasPrefix(s, "-"):
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", s)
	}
	if len(s) < 5 {
		return 0, fmt.Errorf("invalid UTC offset %q", s)
	}
	if _, err := fmt.Sscanf(s[1:5], "%02d%02d", &hours, &minutes); err != nil {
		return 0, fmt.Errorf("invalid UTC offset %q: %w", s, err)
	}
	return sign * (hours*3600 + minutes*60), nil
}

// eventDateTime converts a DTSTART, DTEND or RECURRENCE-ID property.
func (z *zones) eventDateTime(prop *ical.Prop) (*calendar.EventDateTime, time.Time, error) {
	if prop.ValueType() == ical.ValueDate || len(prop.Value) == len("20060102") {
		t, err := time.Parse("20060102", prop.Value)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid date %s: %w", prop.Name, err)
		}
		return &calendar.EventDateTime{Date: t.Format("2006-01-02")}, t, nil
	}

	loc, name := z.resolve(prop.Params.Get(ical.ParamTimezoneID))
	t, err := parseDateTime(prop.Value, loc)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid date-time %s: %w", prop.Name, err)
	}
	edt := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if name != "" && !strings.HasSuffix(prop.Value, "Z") {
		edt.TimeZone = name
	}
	return edt, t, nil
}

func parseDateTime(value string, loc *time.Location) (time.Time, error) {
	if strings.HasSuffix(value, "Z") {
		return time.Parse("20060102T150405Z", value)
	}
	return time.ParseInLocation("20060102T150405", value, loc)
}

// toGoogleEvent converts one VEVENT of a payload.
func (z *zones) toGoogleEvent(vevent *ical.Component) (*calendar.Event, error) {
	event := &calendar.Event{}

	if uid := vevent.Props.Get(ical.PropUID); uid != nil {
		event.ICalUID = uid.Value
	}
	event.Summary = text(vevent, ical.PropSummary)
	event.Description = text(vevent, ical.PropDescription)
	event.Location = text(vevent, ical.PropLocation)

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("event %s has no DTSTART", event.ICalUID)
	}
	start, startTime, err := z.eventDateTime(dtstart)
	if err != nil {
		return nil, err
	}
	event.Start = start

	switch {
	case vevent.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err := z.eventDateTime(vevent.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return nil, err
		}
		event.End = end
	case vevent.Props.Get(ical.PropDuration) != nil:
		d, err := vevent.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		endTime := startTime.Add(d)
		if start.Date != "" {
			event.End = &calendar.EventDateTime{Date: endTime.Format("2006-01-02")}
		} else {
			event.End = &calendar.EventDateTime{DateTime: endTime.Format(time.RFC3339), TimeZone: start.TimeZone}
		}
	case start.Date != "":
		event.End = &calendar.EventDateTime{Date: startTime.AddDate(0, 0, 1).Format("2006-01-02")}
	default:
		event.End = &calendar.EventDateTime{DateTime: start.DateTime, TimeZone: start.TimeZone}
	}

	if rid := vevent.Props.Get(ical.PropRecurrenceID); rid != nil {
		original, _, err := z.eventDateTime(rid)
		if err != nil {
			return nil, err
		}
		event.OriginalStartTime = original
	}

	for _, name := range []string{ical.PropRecurrenceRule, ical.PropRecurrenceDates, ical.PropExceptionDates} {
		for _, prop := range vevent.Props[name] {
			event.Recurrence = append(event.Recurrence, z.recurrenceLine(prop))
		}
	}

	switch strings.ToUpper(text(vevent, ical.PropTransparency)) {
	case "TRANSPARENT":
		event.Transparency = "transparent"
	case "OPAQUE":
		event.Transparency = "opaque"
	}

	switch strings.ToUpper(text(vevent, ical.PropStatus)) {
	case "TENTATIVE":
		event.Status = "tentative"
	case "CONFIRMED":
		event.Status = "confirmed"
	case "CANCELLED":
		event.Status = "cancelled"
	}

	switch strings.ToUpper(text(vevent, ical.PropClass)) {
	case "PRIVATE", "CONFIDENTIAL":
		event.Visibility = "private"
	case "PUBLIC":
		event.Visibility = "public"
	}

	if marker := transform.Marker(vevent); marker != "" {
		event.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{identity.GoogleMarkerKey: marker},
		}
	}

	return event, nil
}

// recurrenceLine renders an RRULE, RDATE or EXDATE property as the RFC 5545
// line Google expects, with Windows zone names replaced.
func (z *zones) recurrenceLine(prop ical.Prop) string {
	var b strings.Builder
	b.WriteString(prop.Name)
	names := make([]string, 0, len(prop.Params))
	for name := range prop.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range prop.Params[name] {
			if name == ical.ParamTimezoneID {
				if _, iana := z.resolve(v); iana != "" {
					v = iana
				}
			}
			b.WriteString(";" + name + "=" + v)
		}
	}
	b.WriteString(":" + prop.Value)
	return b.String()
}

func text(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	s, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return s
}
