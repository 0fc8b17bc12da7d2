package middleware

import "net/http"

// HSTS advertises Strict-Transport-Security on every response. TLS itself
// terminates in front of torqued; this only sets the policy header.
func HSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
