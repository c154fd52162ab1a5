package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/calsync/internal/provider"
)

const (
	basicUTCFormat = "20060102T150405Z"
	dateOnlyFormat = "20060102"

	productID = "-//calsync//CalDAV sync//EN"
)

// encodeEvent renders one event as an RFC 5545 VCALENDAR document. Text
// fields are escaped by the iCalendar encoder; date-times are written in UTC
// basic format, or as VALUE=DATE for all-day events.
func encodeEvent(ev provider.Event, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.ID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	if ev.AllDay {
		setDateProp(event.Props, ical.PropDateTimeStart, ev.Start)
		setDateProp(event.Props, ical.PropDateTimeEnd, ev.End)
	} else {
		event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	}

	event.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Status != "" {
		event.Props.SetText(ical.PropStatus, strings.ToUpper(ev.Status))
	}
	if ev.Organizer != "" {
		organizer := ical.NewProp(ical.PropOrganizer)
		organizer.Value = mailto(ev.Organizer)
		event.Props.Set(organizer)
	}
	for _, attendee := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = mailto(attendee)
		event.Props.Add(p)
	}

	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encoding calendar object: %w", err)
	}
	return buf.Bytes(), nil
}

func setDateProp(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.UTC().Format(dateOnlyFormat)
	props.Set(p)
}

func mailto(addr string) string {
	if strings.HasPrefix(strings.ToLower(addr), "mailto:") {
		return addr
	}
	return "mailto:" + addr
}

// decodeEvents parses a calendar-data payload into the uniform event shape.
// One payload may carry several VEVENTs (recurrence overrides share a file).
func decodeEvents(data string, etag string) ([]provider.Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("parsing iCalendar data: %w", err)
	}

	var events []provider.Event
	for _, icalEvent := range cal.Events() {
		ev := provider.Event{ETag: etag}

		if uid, err := icalEvent.Props.Text(ical.PropUID); err == nil {
			ev.ID = uid
		}
		if summary, err := icalEvent.Props.Text(ical.PropSummary); err == nil {
			ev.Summary = summary
		}
		if desc, err := icalEvent.Props.Text(ical.PropDescription); err == nil {
			ev.Description = desc
		}
		if loc, err := icalEvent.Props.Text(ical.PropLocation); err == nil {
			ev.Location = loc
		}
		if status, err := icalEvent.Props.Text(ical.PropStatus); err == nil {
			ev.Status = status
		}
		if organizer := icalEvent.Props.Get(ical.PropOrganizer); organizer != nil {
			ev.Organizer = strings.TrimPrefix(organizer.Value, "mailto:")
		}
		for _, attendee := range icalEvent.Props.Values(ical.PropAttendee) {
			ev.Attendees = append(ev.Attendees, strings.TrimPrefix(attendee.Value, "mailto:"))
		}

		if start := icalEvent.Props.Get(ical.PropDateTimeStart); start != nil {
			ev.AllDay = isDateValue(start)
		}
		if t, err := icalEvent.Props.DateTime(ical.PropDateTimeStart, time.UTC); err == nil {
			ev.Start = t.UTC()
		}
		if t, err := icalEvent.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil {
			ev.End = t.UTC()
		}

		events = append(events, ev)
	}
	return events, nil
}

func isDateValue(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	// Some servers omit VALUE=DATE and rely on the bare 8-digit form.
	return len(p.Value) == len(dateOnlyFormat) && !strings.Contains(p.Value, "T")
}
