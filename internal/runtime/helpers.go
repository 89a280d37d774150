package runtime

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/proxystore/internal/runtime/keys"
	"github.com/l0p7/proxystore/internal/runtime/routes"
)

// hopHeaders never cross the proxy in either direction. Accept-Encoding is
// dropped so the origin client negotiates compression itself and stored
// bodies stay decoded for every client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

// originRequest builds the request sent to the origin for r: the base URL
// joined with the client path, the route's query rewrites, the client
// headers minus the stripped set, and the rendered origin headers.
func (p *Proxy) originRequest(r *http.Request, method string, route *routes.Route, params map[string]string) (*http.Request, error) {
	target := *p.baseURL
	basePath := strings.TrimSuffix(p.baseURL.Path, "/")
	target.Path = basePath + r.URL.Path
	if r.URL.RawPath != "" {
		target.RawPath = strings.TrimSuffix(p.baseURL.EscapedPath(), "/") + r.URL.RawPath
	} else {
		target.RawPath = ""
	}
	query := r.URL.Query()
	if route != nil {
		query = route.ApplyQuery(query)
	}
	target.RawQuery = keys.SortedQuery(query)
	target.Fragment = ""

	outbound, err := http.NewRequestWithContext(r.Context(), method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: origin request: %w", err)
	}
	for name, values := range r.Header {
		if _, drop := p.strip[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		outbound.Header[name] = append([]string(nil), values...)
	}
	if p.headers.Len() > 0 {
		rendered, err := p.headers.Render(templateData(r, route, params))
		if err != nil {
			return nil, fmt.Errorf("runtime: origin headers: %w", err)
		}
		for name, value := range rendered {
			outbound.Header.Set(name, value)
		}
	}
	return outbound, nil
}

// templateData is the value origin header templates render against.
func templateData(r *http.Request, route *routes.Route, params map[string]string) map[string]any {
	routeData := map[string]any{"name": unmatchedRouteLabel}
	if route != nil {
		routeData = map[string]any{
			"name":    route.Name,
			"mode":    string(route.Mode),
			"refresh": route.RefreshSeconds(),
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return map[string]any{
		"request": map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  flattenValues(r.URL.Query()),
			"header": flattenValues(url.Values(r.Header)),
		},
		"params": params,
		"route":  routeData,
	}
}

func flattenValues(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for name, vals := range values {
		if len(vals) > 0 {
			out[name] = vals[0]
		}
	}
	return out
}

// copyResponseHeaders copies src into dst, skipping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopHeader(name) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

func isHopHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, hop := range hopHeaders {
		if hop == canonical && hop != "Accept-Encoding" {
			return true
		}
	}
	return false
}
