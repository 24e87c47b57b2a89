package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts a bearer token from the Authorization header.
// When allowQuery is set the token query parameter is accepted as well.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
