package provider

import (
	"strings"
)

// Provider-legal identifier lengths. Google caps event ids at 1024
// characters of base32hex; Graph tolerates far longer ids but internal ids
// are capped the same way for uniformity.
const (
	GoogleEventIDMaxLen  = 1024
	OutlookEventIDMaxLen = 256
)

// NormalizeEventID deterministically transforms an internal UUID into a
// provider-legal identifier: lowercase, hyphens stripped, truncated to
// maxLen. The transform is idempotent, so the same internal id always maps
// to the same external id across create, update, and delete.
func NormalizeEventID(id string, maxLen int) string {
	normalized := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if maxLen > 0 && len(normalized) > maxLen {
		normalized = normalized[:maxLen]
	}
	return normalized
}
