package integration

import (
	"testing"
	"time"
)

func TestDefaultBookingCalendar(t *testing.T) {
	tests := []struct {
		name string
		in   Integration
		want string
	}{
		{
			name: "provider primary wins",
			in: Integration{
				Provider: ProviderGoogle,
				CalendarList: []CalendarDescriptor{
					{ID: "work", Selected: true},
					{ID: "personal", Primary: true},
				},
			},
			want: "personal",
		},
		{
			name: "selected beats first",
			in: Integration{
				Provider: ProviderOutlook,
				CalendarList: []CalendarDescriptor{
					{ID: "first"},
					{ID: "chosen", Selected: true},
				},
			},
			want: "chosen",
		},
		{
			name: "first discovered when nothing flagged",
			in: Integration{
				Provider: ProviderNextcloud,
				CalendarList: []CalendarDescriptor{
					{ID: "/calendars/jane/default/"},
					{ID: "/calendars/jane/work/"},
				},
			},
			want: "/calendars/jane/default/",
		},
		{
			name: "google fallback literal before discovery",
			in:   Integration{Provider: ProviderGoogle},
			want: "primary",
		},
		{
			name: "outlook fallback literal before discovery",
			in:   Integration{Provider: ProviderOutlook},
			want: "default",
		},
		{
			name: "caldav falls through to raw path",
			in: Integration{
				Provider:      ProviderRadicale,
				CalendarPaths: []string{"/user/cal1/", "/user/cal2/"},
			},
			want: "/user/cal1/",
		},
		{
			name: "nothing on record",
			in:   Integration{Provider: ProviderCalDAV},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultBookingCalendar(&tt.in); got != tt.want {
				t.Errorf("DefaultBookingCalendar() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextPrimary(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		candidates []Integration
		wantID     int64
		wantOK     bool
	}{
		{
			name: "most recently created active integration",
			candidates: []Integration{
				{ID: 1, IsActive: true, CreatedAt: base},
				{ID: 2, IsActive: true, CreatedAt: base.Add(48 * time.Hour)},
				{ID: 3, IsActive: true, CreatedAt: base.Add(24 * time.Hour)},
			},
			wantID: 2,
			wantOK: true,
		},
		{
			name: "inactive integrations are skipped",
			candidates: []Integration{
				{ID: 1, IsActive: false, CreatedAt: base.Add(72 * time.Hour)},
				{ID: 2, IsActive: true, CreatedAt: base},
			},
			wantID: 2,
			wantOK: true,
		},
		{
			name: "no active integration clears primary",
			candidates: []Integration{
				{ID: 1, IsActive: false, CreatedAt: base},
			},
			wantID: 0,
			wantOK: false,
		},
		{
			name:   "empty set",
			wantID: 0,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := NextPrimary(tt.candidates)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("NextPrimary() = (%d, %v), want (%d, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestShouldPromoteOnReactivate(t *testing.T) {
	if !ShouldPromoteOnReactivate(nil) {
		t.Error("expected promotion when no primary exists")
	}
	if !ShouldPromoteOnReactivate(&Integration{IsActive: false}) {
		t.Error("expected promotion when current primary is inactive")
	}
	if ShouldPromoteOnReactivate(&Integration{IsActive: true}) {
		t.Error("active primary must keep its designation")
	}
}

func TestProviderFamilies(t *testing.T) {
	for _, p := range Providers {
		if !p.Valid() {
			t.Errorf("provider %q should be valid", p)
		}
	}
	if Provider("ical").Valid() {
		t.Error("unknown provider must not validate")
	}
	if ProviderGoogle.IsCalDAV() || ProviderOutlook.IsCalDAV() {
		t.Error("OAuth providers are not CalDAV family")
	}
	for _, p := range []Provider{ProviderCalDAV, ProviderNextcloud, ProviderOwncloud, ProviderRadicale, ProviderBaikal, ProviderSabreDAV} {
		if !p.IsCalDAV() {
			t.Errorf("%q should be CalDAV family", p)
		}
	}
}
