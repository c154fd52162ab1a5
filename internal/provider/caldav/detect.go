package caldav

import (
	"net/http"
	"net/url"
	"strings"
)

// ServerType is the detected CalDAV server dialect.
type ServerType string

const (
	ServerRadicale  ServerType = "radicale"
	ServerNextcloud ServerType = "nextcloud"
	ServerOwncloud  ServerType = "owncloud"
	ServerBaikal    ServerType = "baikal"
	ServerSabreDAV  ServerType = "sabredav"
	ServerGeneric   ServerType = "generic"
)

// serverTokens maps hostname/Server-header substrings to server types,
// ordered by specificity. "sabre" comes last: Baikal and ownCloud are
// themselves sabre/dav derivatives and must win when their own token is
// present.
var serverTokens = []struct {
	token string
	typ   ServerType
}{
	{"radicale", ServerRadicale},
	{"nextcloud", ServerNextcloud},
	{"owncloud", ServerOwncloud},
	{"baikal", ServerBaikal},
	{"sabre", ServerSabreDAV},
}

// Detect classifies a CalDAV base URL into a server type without contacting
// the server. It is a pure function of the URL; unmatched URLs come back as
// ServerGeneric.
func Detect(rawURL string) ServerType {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ServerGeneric
	}

	host := strings.ToLower(u.Hostname())
	for _, st := range serverTokens {
		if strings.Contains(host, st.token) {
			return st.typ
		}
	}

	if u.Port() == "5232" {
		return ServerRadicale
	}

	path := strings.ToLower(u.Path)
	switch {
	case strings.Contains(path, "/remote.php/dav"), strings.Contains(path, "/remote.php/webdav"):
		return ServerNextcloud
	case strings.Contains(path, "/cal.php"):
		return ServerBaikal
	case strings.Contains(path, "/server.php"):
		return ServerSabreDAV
	}

	return ServerGeneric
}

// DetectFromHeaders classifies a server from discovery-probe response
// headers. Returns "" when nothing matches so the caller can fall back to
// URL heuristics or prompt the user.
func DetectFromHeaders(h http.Header) ServerType {
	server := strings.ToLower(h.Get("Server"))
	for _, st := range serverTokens {
		if strings.Contains(server, st.token) {
			return st.typ
		}
	}

	if strings.EqualFold(h.Get("X-Powered-By"), "Nextcloud") ||
		strings.Contains(strings.ToLower(h.Get("X-Powered-By")), "nextcloud") {
		return ServerNextcloud
	}

	// A DAV header advertising calendar-access with no other signal means a
	// standards-speaking server we cannot name.
	if strings.Contains(strings.ToLower(h.Get("DAV")), "calendar-access") {
		return ServerGeneric
	}

	return ""
}
