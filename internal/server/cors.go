package server

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/cors"
)

// CORS answers cross-origin requests from an allow list that can be swapped
// at runtime when the configuration is reloaded. Responses always allow
// credentials, so the wildcard origin "*" is never honoured.
type CORS struct {
	origins atomic.Pointer[map[string]struct{}]
	handler func(http.Handler) http.Handler
}

// NewCORS creates a CORS policy for the exact origins listed.
func NewCORS(origins []string) *CORS {
	c := &CORS{}
	c.SetOrigins(origins)
	c.handler = cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return c.Allowed(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c
}

// SetOrigins replaces the allowed origins. Trailing slashes are ignored.
func (c *CORS) SetOrigins(origins []string) {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && o != "*" {
			m[o] = struct{}{}
		}
	}
	c.origins.Store(&m)
}

// Allowed reports whether origin may make credentialed requests. The
// websocket upgrader uses it for its origin check too.
func (c *CORS) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := (*c.origins.Load())[origin]
	return ok
}

// Middleware sets CORS headers and answers preflight requests.
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return c.handler(next)
}
