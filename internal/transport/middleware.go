package transport

import (
	"net/http"
	"strings"
)

// CORS wraps an http.Handler with CORS headers for the allowed origins.
func CORS(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed matches origin against the allow list. Entries may omit the
// scheme, so "localhost:8080" allows "http://localhost:8080".
func originAllowed(origins []string, origin string) bool {
	if len(origins) == 0 {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) || strings.EqualFold(o, host) {
			return true
		}
	}
	return false
}
