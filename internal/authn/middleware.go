package authn

import "net/http"

// Middleware guards an HTTP handler behind an X-API-Key header check,
// adapted from the teacher's internal/transport/http.AuthMiddleware.
type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(a *Authenticator) *Middleware {
	return &Middleware{auth: a}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing X-API-Key header"}`))
			return
		}

		if !m.auth.Validate(r.Context(), apiKey) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid API key"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
