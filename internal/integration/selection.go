package integration

// Default calendar and primary-integration selection rules. These are pure
// functions so the store and HTTP layers share one implementation.

// fallbackCalendarID is the provider literal used when discovery has not run
// yet. Only the OAuth providers define one; CalDAV servers have no notion of
// an implicit default calendar.
func fallbackCalendarID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return "primary"
	case ProviderOutlook:
		return "default"
	}
	return ""
}

// DefaultBookingCalendar resolves which calendar inside the integration
// receives newly booked events. Resolution order: provider-flagged primary,
// then user-selected, then the first discovered calendar, then the provider
// fallback literal, then the first raw calendar path on record.
func DefaultBookingCalendar(i *Integration) string {
	for _, cal := range i.CalendarList {
		if cal.Primary {
			return cal.ID
		}
	}
	for _, cal := range i.CalendarList {
		if cal.Selected {
			return cal.ID
		}
	}
	if len(i.CalendarList) > 0 {
		return i.CalendarList[0].ID
	}
	if id := fallbackCalendarID(i.Provider); id != "" {
		return id
	}
	if len(i.CalendarPaths) > 0 {
		return i.CalendarPaths[0]
	}
	return ""
}

// NextPrimary picks the integration to promote after the current primary is
// deleted or deactivated: the most recently created member of the active set.
// ok is false when no active integration remains, in which case the caller
// must clear the primary designation rather than leave it dangling.
func NextPrimary(candidates []Integration) (id int64, ok bool) {
	var best *Integration
	for idx := range candidates {
		c := &candidates[idx]
		if !c.IsActive {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ID, true
}

// ShouldPromoteOnReactivate reports whether a just-reactivated integration
// takes over as primary: yes when no primary exists, or when the recorded
// primary is itself inactive.
func ShouldPromoteOnReactivate(currentPrimary *Integration) bool {
	return currentPrimary == nil || !currentPrimary.IsActive
}
