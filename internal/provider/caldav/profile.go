package caldav

import (
	"strings"
)

// Profile holds the static per-server URL templates and capability flags.
// Templates use {username}, {calendar}, and {uid} placeholders.
type Profile struct {
	Type ServerType

	DiscoveryPathTemplate string
	CalendarPathTemplate  string
	EventPathTemplate     string

	SupportsOAuth          bool
	SupportsCalendarColor  bool
	RequiresCalendarSuffix bool // calendar collection paths must end in "/"
}

var profiles = map[ServerType]Profile{
	ServerRadicale: {
		Type:                   ServerRadicale,
		DiscoveryPathTemplate:  "/{username}/",
		CalendarPathTemplate:   "/{username}/{calendar}/",
		EventPathTemplate:      "/{username}/{calendar}/{uid}.ics",
		SupportsCalendarColor:  true,
		RequiresCalendarSuffix: true,
	},
	ServerNextcloud: {
		Type:                   ServerNextcloud,
		DiscoveryPathTemplate:  "/remote.php/dav/calendars/{username}/",
		CalendarPathTemplate:   "/remote.php/dav/calendars/{username}/{calendar}/",
		EventPathTemplate:      "/remote.php/dav/calendars/{username}/{calendar}/{uid}.ics",
		SupportsOAuth:          true,
		SupportsCalendarColor:  true,
		RequiresCalendarSuffix: true,
	},
	ServerOwncloud: {
		Type:                   ServerOwncloud,
		DiscoveryPathTemplate:  "/remote.php/dav/calendars/{username}/",
		CalendarPathTemplate:   "/remote.php/dav/calendars/{username}/{calendar}/",
		EventPathTemplate:      "/remote.php/dav/calendars/{username}/{calendar}/{uid}.ics",
		SupportsCalendarColor:  true,
		RequiresCalendarSuffix: true,
	},
	ServerBaikal: {
		Type:                   ServerBaikal,
		DiscoveryPathTemplate:  "/cal.php/calendars/{username}/",
		CalendarPathTemplate:   "/cal.php/calendars/{username}/{calendar}/",
		EventPathTemplate:      "/cal.php/calendars/{username}/{calendar}/{uid}.ics",
		RequiresCalendarSuffix: true,
	},
	ServerSabreDAV: {
		Type:                   ServerSabreDAV,
		DiscoveryPathTemplate:  "/server.php/calendars/{username}/",
		CalendarPathTemplate:   "/server.php/calendars/{username}/{calendar}/",
		EventPathTemplate:      "/server.php/calendars/{username}/{calendar}/{uid}.ics",
		RequiresCalendarSuffix: true,
	},
	ServerGeneric: {
		Type:                  ServerGeneric,
		DiscoveryPathTemplate: "/",
		CalendarPathTemplate:  "/{calendar}/",
		EventPathTemplate:     "/{calendar}/{uid}.ics",
		SupportsCalendarColor: true,
	},
}

// ProfileFor returns the static profile for a server type, falling back to
// the generic profile for unknown types.
func ProfileFor(t ServerType) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[ServerGeneric]
}

func expand(template, username, calendar, uid string) string {
	r := strings.NewReplacer(
		"{username}", username,
		"{calendar}", calendar,
		"{uid}", uid,
	)
	return normalizeSlashes(r.Replace(template))
}

// normalizeSlashes collapses duplicate separators introduced by empty
// placeholder values. The scheme-relative prefix is never affected because
// templates are paths, not absolute URLs.
func normalizeSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// DiscoveryPath is the PROPFIND target for calendar discovery.
func (p Profile) DiscoveryPath(username string) string {
	return expand(p.DiscoveryPathTemplate, username, "", "")
}

// CalendarPath builds the collection path for one calendar. Absolute
// calendar references (anything containing a slash) are used verbatim, since
// discovery returns full hrefs on most servers.
func (p Profile) CalendarPath(username, calendar string) string {
	var path string
	if strings.Contains(calendar, "/") {
		path = calendar
	} else {
		path = expand(p.CalendarPathTemplate, username, calendar, "")
	}
	if p.RequiresCalendarSuffix && !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

// EventPath builds the object path for one event. The ".ics" suffix is added
// idempotently: a uid that already carries it is not suffixed twice.
func (p Profile) EventPath(username, calendar, uid string) string {
	if strings.Contains(calendar, "/") {
		base := strings.TrimSuffix(p.CalendarPath(username, calendar), "/")
		return base + "/" + ensureICSSuffix(uid)
	}
	return ensureICSSuffix(expand(p.EventPathTemplate, username, calendar, strings.TrimSuffix(uid, ".ics")))
}

func ensureICSSuffix(s string) string {
	if strings.HasSuffix(s, ".ics") {
		return s
	}
	return s + ".ics"
}
