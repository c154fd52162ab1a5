// Package oautherr classifies OAuth2 token-endpoint failures into the
// provider failure taxonomy. Both REST adapters and the token service share
// this mapping so a revoked grant is recognized identically everywhere.
package oautherr

import (
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
)

// permanentErrorCodes are RFC 6749 error codes that no amount of retrying
// will fix; the user must re-authorize.
var permanentErrorCodes = map[string]bool{
	"invalid_grant":          true,
	"invalid_client":         true,
	"unauthorized_client":    true,
	"access_denied":          true,
	"unsupported_grant_type": true,
}

var permanentBodyMarkers = []string{
	"token has been expired or revoked",
	"revoked",
	"consent",
}

// Classify converts a token refresh failure into a typed provider error.
// Unknown failures default to transient so the scheduler keeps retrying
// rather than deactivating the integration.
func Classify(p integration.Provider, err error) *provider.Error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// No HTTP response reached us: network error or timeout.
		return provider.WrapTransport(p, "refresh_token", err)
	}

	out := &provider.Error{
		Provider: p,
		Op:       "refresh_token",
		Err:      err,
	}
	if re.Response != nil {
		out.StatusCode = re.Response.StatusCode
	}

	code := strings.ToLower(re.ErrorCode)
	body := strings.ToLower(string(re.Body))

	switch {
	case permanentErrorCodes[code]:
		out.Class = provider.ClassPermanent
		out.Message = "refresh token rejected: " + code
	case containsAny(body, permanentBodyMarkers):
		out.Class = provider.ClassPermanent
		out.Message = "refresh token revoked"
	case out.StatusCode == 429:
		out.Class = provider.ClassRateLimited
		out.Message = "token endpoint rate limited"
	case out.StatusCode >= 500 || out.StatusCode == 0:
		out.Class = provider.ClassTransient
		out.Message = "token endpoint unavailable"
	case out.StatusCode == 400 || out.StatusCode == 401:
		out.Class = provider.ClassPermanent
		out.Message = "token endpoint rejected credentials"
	default:
		out.Class = provider.ClassTransient
		out.Message = "token refresh failed"
	}
	return out
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
