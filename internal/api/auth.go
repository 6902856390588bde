package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// userHeader lets a client state which user it is acting for. The API serves
// a single configured user, so a mismatch is refused rather than remapped.
const userHeader = "X-Compass-User"

// requireUser guards the user routes: the caller must present the local API
// token, and any user it names must be the one this process serves.
func requireUser(deps AppDeps) func(http.Handler) http.Handler {
	want := []byte(deps.Token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(tok), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="compass"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			if u := r.Header.Get(userHeader); u != "" && u != deps.UserID {
				httpError(w, http.StatusForbidden, "permission_error", "this server acts for user %s", deps.UserID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
