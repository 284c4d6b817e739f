package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSMiddleware lets browser agent desktops call the API. Only listed
// origins are echoed back; preflights are answered before auth runs.
type CORSMiddleware struct {
	AllowedOrigins []string
	MaxAge         time.Duration
	Skip           func(*http.Request) bool
}

var (
	corsMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Tenant-Slug"}
)

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.AllowedOrigins) == 0 || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}

		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := m.allows(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsHeaders, ", "))
			if m.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(m.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allows matches origins case-insensitively. "*" accepts any origin, which
// is still echoed since credentials are allowed.
func (m CORSMiddleware) allows(origin string) bool {
	if origin == "" {
		return false
	}
	return slices.ContainsFunc(m.AllowedOrigins, func(o string) bool {
		o = strings.TrimSpace(o)
		return o == "*" || strings.EqualFold(o, origin)
	})
}
