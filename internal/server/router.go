package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ProxyHTTP defines the minimal surface the lifecycle router needs from the
// runtime proxy to serve HTTP requests.
type ProxyHTTP interface {
	ServeProxy(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeAdmin(http.ResponseWriter, *http.Request, string)
	WriteError(http.ResponseWriter, int, string)
}

// HandlerOptions toggles the operational endpoints mounted beside the proxy.
type HandlerOptions struct {
	AdminEnabled bool
	// AdminToken, when set, must be presented as a bearer token.
	AdminToken string
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

// NewProxyHandler wires the HTTP routing facade to the runtime proxy so the
// lifecycle server owns operational endpoints and everything else reaches
// the route table.
func NewProxyHandler(p ProxyHTTP, opts HandlerOptions) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.ToLower(strings.TrimSuffix(r.URL.Path, "/")) {
		case "/healthz", "/health":
			p.ServeHealth(w, r)
			return
		case "/metrics":
			if opts.Metrics != nil {
				opts.Metrics.ServeHTTP(w, r)
				return
			}
		}

		action, ok := parseAdminRoute(r.URL.Path)
		if !ok {
			p.ServeProxy(w, r)
			return
		}
		if !opts.AdminEnabled {
			p.WriteError(w, http.StatusNotFound, "admin endpoints disabled")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			p.WriteError(w, http.StatusMethodNotAllowed, "admin endpoints accept GET and POST")
			return
		}
		if !authorized(r, opts.AdminToken) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="proxystore-admin"`)
			p.WriteError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		p.ServeAdmin(w, r, action)
	})
}

// parseAdminRoute extracts the action from /admin/<action>.
func parseAdminRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "admin") || parts[1] == "" {
		return "", false
	}
	return strings.ToLower(parts[1]), true
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
