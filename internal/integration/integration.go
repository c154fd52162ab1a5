package integration

import (
	"time"
)

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderOutlook   Provider = "outlook"
	ProviderCalDAV    Provider = "caldav"
	ProviderNextcloud Provider = "nextcloud"
	ProviderOwncloud  Provider = "owncloud"
	ProviderRadicale  Provider = "radicale"
	ProviderBaikal    Provider = "baikal"
	ProviderSabreDAV  Provider = "sabredav"
)

// Providers lists every supported provider in registration order.
var Providers = []Provider{
	ProviderGoogle,
	ProviderOutlook,
	ProviderCalDAV,
	ProviderNextcloud,
	ProviderOwncloud,
	ProviderRadicale,
	ProviderBaikal,
	ProviderSabreDAV,
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// IsCalDAV reports whether p belongs to the CalDAV server family
// (Basic auth + WebDAV wire protocol rather than OAuth/REST).
func (p Provider) IsCalDAV() bool {
	switch p {
	case ProviderCalDAV, ProviderNextcloud, ProviderOwncloud, ProviderRadicale, ProviderBaikal, ProviderSabreDAV:
		return true
	}
	return false
}

// CalendarDescriptor is one entry of an integration's discovered calendar list.
type CalendarDescriptor struct {
	ID       string `json:"id"` // provider calendar id, or path for CalDAV servers
	Name     string `json:"name"`
	Primary  bool   `json:"primary"`  // flagged primary by the provider
	Selected bool   `json:"selected"` // chosen by the user for availability checks
}

// Integration is one stored connection between a user and a calendar provider.
//
// AccessToken and RefreshToken hold plaintext only while the struct is in
// memory; the store encrypts both before they reach the database.
type Integration struct {
	ID       int64
	UserID   int64
	Provider Provider

	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	OAuthScope     string

	// CalDAV-family connection details. Empty for OAuth providers.
	BaseURL  string
	Username string

	CalendarList             []CalendarDescriptor
	CalendarPaths            []string // raw hrefs recorded at credential submission
	DefaultBookingCalendarID string

	// IsPrimary marks the integration whose default booking calendar
	// receives new bookings. At most one active integration per user
	// carries it.
	IsPrimary bool
	IsActive  bool
	SyncError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SelectedCalendars returns the descriptors the user marked for syncing,
// preserving list order.
func (i *Integration) SelectedCalendars() []CalendarDescriptor {
	var out []CalendarDescriptor
	for _, cal := range i.CalendarList {
		if cal.Selected {
			out = append(out, cal)
		}
	}
	return out
}

// HasCalendar reports whether id refers to an entry in the calendar list.
func (i *Integration) HasCalendar(id string) bool {
	for _, cal := range i.CalendarList {
		if cal.ID == id {
			return true
		}
	}
	return false
}
