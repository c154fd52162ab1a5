package provider

import (
	"time"
)

// Event is the wire-neutral event shape shared by every adapter. Adapters
// translate to and from provider JSON or iCalendar at the boundary.
type Event struct {
	// ID is the provider-native identifier: an event id for REST providers,
	// an object UID for CalDAV servers.
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Status      string
	Organizer   string
	Attendees   []string

	// ETag carries CalDAV optimistic-locking state; empty for REST providers.
	ETag string
}

// Calendar describes one calendar discovered on the provider side.
type Calendar struct {
	ID       string // provider calendar id, or collection path for CalDAV
	Name     string
	Color    string
	Primary  bool
	ReadOnly bool
}

// Credentials is the result of a token refresh. RefreshToken is empty when
// the provider did not rotate it; callers must then keep the previous one.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
