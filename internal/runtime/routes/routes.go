package routes

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/proxystore/internal/expr"
)

// Mode selects how a matched request is answered.
type Mode string

const (
	// ModeCache answers through the key's cache actor.
	ModeCache Mode = "cache"
	// ModePassthrough forwards straight to the origin.
	ModePassthrough Mode = "passthrough"
)

// ParseMode maps configuration text to a Mode. Empty selects ModeCache.
func ParseMode(value string) (Mode, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", string(ModeCache):
		return ModeCache, nil
	case string(ModePassthrough), "pass-through", "pass":
		return ModePassthrough, nil
	default:
		return "", fmt.Errorf("routes: unsupported mode %q", value)
	}
}

// Definition is the uncompiled description of a route.
type Definition struct {
	Name         string
	Description  string
	Pattern      string
	Mode         Mode
	Refresh      time.Duration
	QuerySet     map[string]string
	QueryStrip   []string
	Conditions   []string
	CacheControl map[string]int
}

// Route is a compiled route. Routes are immutable once built.
type Route struct {
	Name         string
	Description  string
	Pattern      string
	Mode         Mode
	Refresh      time.Duration
	QuerySet     map[string]string
	QueryStrip   []string
	CacheControl map[string]int

	conditions []expr.Program
}

// RefreshSeconds returns the freshness window in whole seconds.
func (r *Route) RefreshSeconds() int {
	return int(r.Refresh / time.Second)
}

// ApplyQuery returns a copy of values with the route's removals and
// overrides applied.
func (r *Route) ApplyQuery(values url.Values) url.Values {
	out := make(url.Values, len(values)+len(r.QuerySet))
	for name, vals := range values {
		out[name] = append([]string(nil), vals...)
	}
	for _, name := range r.QueryStrip {
		out.Del(name)
	}
	for name, value := range r.QuerySet {
		out.Set(name, value)
	}
	return out
}

// Cacheable reports whether the request should go through a cache actor:
// the route is in cache mode and every condition holds.
func (r *Route) Cacheable(req *http.Request, params map[string]string) (bool, error) {
	if r.Mode != ModeCache {
		return false, nil
	}
	if len(r.conditions) == 0 {
		return true, nil
	}
	vars := r.Activation(req, params)
	for _, program := range r.conditions {
		ok, err := program.EvalBool(vars)
		if err != nil {
			return false, fmt.Errorf("routes: %s: %w", r.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Activation builds the CEL variables for req.
func (r *Route) Activation(req *http.Request, params map[string]string) map[string]any {
	query := make(map[string]any)
	for name, vals := range req.URL.Query() {
		if len(vals) > 0 {
			query[name] = vals[0]
		}
	}
	headers := make(map[string]any)
	for name, vals := range req.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(name)] = vals[0]
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return map[string]any{
		"request": map[string]any{
			"method":  req.Method,
			"path":    req.URL.Path,
			"host":    req.Host,
			"query":   query,
			"headers": headers,
		},
		"params": params,
		"route": map[string]any{
			"name":    r.Name,
			"mode":    string(r.Mode),
			"refresh": int64(r.RefreshSeconds()),
		},
	}
}

// Options tunes table compilation.
type Options struct {
	Env            *expr.Environment
	DefaultRefresh time.Duration
}

// Table is an immutable, compiled set of routes.
type Table struct {
	routes []*Route
}

// NewTable compiles defs. Any invalid definition fails the whole table.
func NewTable(defs []Definition, opts Options) (*Table, error) {
	env := opts.Env
	if env == nil {
		var err error
		env, err = expr.NewEnvironment()
		if err != nil {
			return nil, err
		}
	}
	compiled := make([]*Route, 0, len(defs))
	var errs []error
	for _, def := range defs {
		route, err := compile(def, env, opts.DefaultRefresh)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, route)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].Name < compiled[j].Name })
	return &Table{routes: compiled}, nil
}

func compile(def Definition, env *expr.Environment, defaultRefresh time.Duration) (*Route, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, errors.New("routes: route name required")
	}
	if err := ValidatePattern(def.Pattern); err != nil {
		return nil, fmt.Errorf("routes: %s: %w", name, err)
	}
	mode := def.Mode
	if mode == "" {
		mode = ModeCache
	}
	refresh := def.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	if mode == ModeCache && refresh < time.Second {
		return nil, fmt.Errorf("routes: %s: refresh must be at least 1s", name)
	}
	route := &Route{
		Name:         name,
		Description:  def.Description,
		Pattern:      def.Pattern,
		Mode:         mode,
		Refresh:      refresh,
		QuerySet:     def.QuerySet,
		QueryStrip:   def.QueryStrip,
		CacheControl: def.CacheControl,
	}
	for _, source := range def.Conditions {
		program, err := env.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("routes: %s: %w", name, err)
		}
		route.conditions = append(route.conditions, program)
	}
	return route, nil
}

// Routes returns the compiled routes ordered by name.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	return append([]*Route(nil), t.routes...)
}

// Len reports the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// ServeFunc answers a request matched to route.
type ServeFunc func(w http.ResponseWriter, r *http.Request, route *Route)

// Handler builds a chi router dispatching GET and HEAD requests to serve.
// Unmatched paths go to notFound; other methods on a matched path get 405.
func (t *Table) Handler(serve ServeFunc, notFound, methodNotAllowed http.HandlerFunc) http.Handler {
	mux := chi.NewRouter()
	if notFound != nil {
		mux.NotFound(notFound)
	}
	if methodNotAllowed != nil {
		mux.MethodNotAllowed(methodNotAllowed)
	}
	for _, route := range t.Routes() {
		route := route
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, route)
		})
		mux.Method(http.MethodGet, route.Pattern, handler)
		mux.Method(http.MethodHead, route.Pattern, handler)
	}
	return mux
}

// Params returns the path parameters chi captured for r.
func Params(r *http.Request) map[string]string {
	params := make(map[string]string)
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, key := range rctx.URLParams.Keys {
		if key == "" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

// ValidatePattern reports whether chi accepts pattern.
func ValidatePattern(pattern string) (err error) {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern %q must begin with '/'", pattern)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pattern %q: %v", pattern, recovered)
		}
	}()
	chi.NewRouter().Get(pattern, func(http.ResponseWriter, *http.Request) {})
	return nil
}
