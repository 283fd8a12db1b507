package relay

import (
	"crypto/subtle"
	"net/http"
)

const authRealm = `Basic realm="Authentication Required"`

// basicAuth rejects requests whose credentials do not match users. Paths in
// public skip the check.
func basicAuth(users map[string]string, public map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if public[r.URL.Path] || verify(users, r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", authRealm)
		http.Error(w, "Unauthorized Access", http.StatusUnauthorized)
	})
}

func verify(users map[string]string, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user == "" || pass == "" {
		return false
	}
	want, known := users[user]
	if !known || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}
