package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/proxystore/internal/config"
	"github.com/l0p7/proxystore/internal/expr"
	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/actor"
	"github.com/l0p7/proxystore/internal/runtime/cachecontrol"
	"github.com/l0p7/proxystore/internal/runtime/keys"
	"github.com/l0p7/proxystore/internal/runtime/routes"
	"github.com/l0p7/proxystore/internal/templates"
)

// Unmatched policies.
const (
	UnmatchedNotFound    = "notfound"
	UnmatchedPassthrough = "passthrough"
)

const unmatchedRouteLabel = "unmatched"

// ProxyOptions wires the proxy service to its collaborators.
type ProxyOptions struct {
	Directory         *actor.Directory
	Keys              keys.Normalizer
	Origin            actor.Doer
	BaseURL           string
	StripHeaders      []string
	Headers           *templates.HeaderSet
	DefaultRefresh    time.Duration
	Unmatched         string
	CorrelationHeader string
	Metrics           *metrics.Recorder
	Now               func() time.Time
}

// Proxy answers client requests from the route table, the cache actors and
// the origin, and exposes health and admin views over them.
type Proxy struct {
	logger            *slog.Logger
	directory         *actor.Directory
	keys              keys.Normalizer
	origin            actor.Doer
	baseURL           *url.URL
	strip             map[string]struct{}
	headers           *templates.HeaderSet
	defaultRefresh    time.Duration
	unmatched         string
	correlationHeader string
	metrics           *metrics.Recorder
	now               func() time.Time
	env               *expr.Environment

	snapshot atomic.Pointer[routeSnapshot]
}

// routeSnapshot is one immutable generation of the route table.
type routeSnapshot struct {
	table         *routes.Table
	handler       http.Handler
	sources       []string
	skipped       []config.DefinitionSkip
	usingDefaults bool
	loadedAt      time.Time
}

// NewProxy builds the proxy service and installs bundle as the first route
// table. An empty bundle installs the built-in routes.
func NewProxy(logger *slog.Logger, opts ProxyOptions, bundle config.RouteBundle) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Directory == nil {
		return nil, errors.New("runtime: directory required")
	}
	if opts.Origin == nil {
		return nil, errors.New("runtime: origin client required")
	}
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("runtime: invalid origin base URL %q", opts.BaseURL)
	}
	unmatched := strings.ToLower(strings.TrimSpace(opts.Unmatched))
	if unmatched == "" {
		unmatched = UnmatchedNotFound
	}
	if unmatched != UnmatchedNotFound && unmatched != UnmatchedPassthrough {
		return nil, fmt.Errorf("runtime: unsupported unmatched policy %q", opts.Unmatched)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	strip := make(map[string]struct{}, len(opts.StripHeaders)+len(hopHeaders))
	for _, name := range opts.StripHeaders {
		strip[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
	}
	for _, name := range hopHeaders {
		strip[name] = struct{}{}
	}

	p := &Proxy{
		logger:            logger.With(slog.String("agent", "proxy")),
		directory:         opts.Directory,
		keys:              opts.Keys,
		origin:            opts.Origin,
		baseURL:           base,
		strip:             strip,
		headers:           opts.Headers,
		defaultRefresh:    opts.DefaultRefresh,
		unmatched:         unmatched,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		metrics:           opts.Metrics,
		now:               now,
		env:               env,
	}
	if err := p.Reload(bundle); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload compiles bundle into a new route table and swaps it in. On error
// the previous table keeps serving.
func (p *Proxy) Reload(bundle config.RouteBundle) error {
	defs := bundle.Routes
	usingDefaults := false
	if len(defs) == 0 {
		defs = config.DefaultRoutes()
		usingDefaults = true
	}
	definitions, err := definitionsFromConfig(defs)
	if err != nil {
		p.logger.Error("route table rejected", slog.Any("error", err))
		return err
	}
	table, err := routes.NewTable(definitions, routes.Options{Env: p.env, DefaultRefresh: p.defaultRefresh})
	if err != nil {
		p.logger.Error("route table rejected", slog.Any("error", err))
		return fmt.Errorf("runtime: compile routes: %w", err)
	}
	snap := &routeSnapshot{
		table:         table,
		sources:       cloneStringSlice(bundle.Sources),
		skipped:       cloneDefinitionSkips(bundle.Skipped),
		usingDefaults: usingDefaults,
		loadedAt:      p.now().UTC(),
	}
	snap.handler = table.Handler(p.serveRoute, p.serveUnmatched, p.serveMethodNotAllowed)
	p.snapshot.Store(snap)

	p.logger.Info("route table loaded",
		slog.String("event", "routes_reload"),
		slog.Int("routes", table.Len()),
		slog.Int("skipped", len(snap.skipped)),
		slog.Bool("using_defaults", usingDefaults),
	)
	return nil
}

// Routes returns the active routes ordered by name.
func (p *Proxy) Routes() []*routes.Route {
	return p.snapshot.Load().table.Routes()
}

// ServeProxy dispatches a client request through the active route table.
func (p *Proxy) ServeProxy(w http.ResponseWriter, r *http.Request) {
	p.snapshot.Load().handler.ServeHTTP(w, r)
}

// ServeHealth reports store, actor and route table state.
func (p *Proxy) ServeHealth(w http.ResponseWriter, r *http.Request) {
	snap := p.snapshot.Load()
	status := "ok"
	if len(snap.skipped) > 0 {
		status = "degraded"
	}
	records, err := p.directory.Records(r.Context())
	if err != nil {
		p.logger.Error("record count query failed", slog.Any("error", err))
		status = "degraded"
		records = 0
	}
	payload := struct {
		Status             string                  `json:"status"`
		Records            int64                   `json:"records"`
		Actors             int                     `json:"actors"`
		PendingAlarms      int                     `json:"pendingAlarms"`
		Routes             int                     `json:"routes"`
		UsingDefaultRoutes bool                    `json:"usingDefaultRoutes,omitempty"`
		RouteSources       []string                `json:"routeSources,omitempty"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
		RoutesLoadedAt     time.Time               `json:"routesLoadedAt"`
		ObservedAt         time.Time               `json:"observedAt"`
	}{
		Status:             status,
		Records:            records,
		Actors:             p.directory.Len(),
		PendingAlarms:      p.directory.PendingAlarms(),
		Routes:             snap.table.Len(),
		UsingDefaultRoutes: snap.usingDefaults,
		RouteSources:       snap.sources,
		SkippedDefinitions: snap.skipped,
		RoutesLoadedAt:     snap.loadedAt,
		ObservedAt:         p.now().UTC(),
	}
	w.Header().Set("Cache-Control", "no-store")
	p.writeJSON(w, http.StatusOK, payload)
}

// WriteError emits a JSON error payload.
func (p *Proxy) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	p.writeJSON(w, status, map[string]any{"error": message})
}

func (p *Proxy) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// serveRoute answers a request matched to route.
func (p *Proxy) serveRoute(w http.ResponseWriter, r *http.Request, route *routes.Route) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)
	params := routes.Params(r)
	logger := p.logger.With(
		slog.String("route", route.Name),
		slog.String("correlation_id", correlationID),
	)

	cacheable, err := route.Cacheable(r, params)
	if err != nil {
		logger.Warn("route condition evaluation failed, passing through", slog.Any("error", err))
		cacheable = false
	}

	ex := exchange{route: route.Name, correlationID: correlationID, start: start, logger: logger}
	method := r.Method
	if cacheable {
		// HEAD shares the GET actor so the stored body is never empty.
		method = http.MethodGet
	}
	outbound, err := p.originRequest(r, method, route, params)
	if err != nil {
		logger.Error("origin request build failed", slog.Any("error", err))
		ex.outcome = metrics.RequestError
		p.finish(w, r, ex, nil, http.StatusInternalServerError, "origin request could not be built")
		return
	}

	if !cacheable {
		ex.outcome = metrics.RequestPassthrough
		p.passthrough(w, r, outbound, route.CacheControl, ex)
		return
	}

	key := p.keys.Key(outbound.URL)
	ex.key = key
	resp, err := p.directory.Get(key).Proxy(r.Context(), outbound, route.RefreshSeconds(), true)
	if resp == nil {
		status, message := errorStatus(err)
		logger.Warn("cache actor could not answer", slog.String("key", key), slog.Any("error", err))
		ex.outcome = metrics.RequestError
		p.finish(w, r, ex, nil, status, message)
		return
	}
	if err != nil {
		logger.Info("origin error relayed", slog.String("key", key), slog.Any("error", err))
		ex.outcome = metrics.RequestError
	} else {
		ex.outcome = cacheOutcome(resp, route.RefreshSeconds())
	}
	if resp.StatusCode == http.StatusOK {
		resp.Header.Set("Cache-Control", cachecontrol.Merge(resp.Header.Get("Cache-Control"), map[string]int{"s-maxage": route.RefreshSeconds()}))
	}
	p.finish(w, r, ex, resp, 0, "")
}

func (p *Proxy) serveUnmatched(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)
	ex := exchange{
		route:         unmatchedRouteLabel,
		correlationID: correlationID,
		start:         start,
		logger:        p.logger.With(slog.String("route", unmatchedRouteLabel), slog.String("correlation_id", correlationID)),
	}
	if p.unmatched != UnmatchedPassthrough {
		ex.outcome = metrics.RequestError
		p.finish(w, r, ex, nil, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		p.serveMethodNotAllowed(w, r)
		return
	}
	outbound, err := p.originRequest(r, r.Method, nil, nil)
	if err != nil {
		ex.logger.Error("origin request build failed", slog.Any("error", err))
		ex.outcome = metrics.RequestError
		p.finish(w, r, ex, nil, http.StatusInternalServerError, "origin request could not be built")
		return
	}
	ex.outcome = metrics.RequestPassthrough
	p.passthrough(w, r, outbound, nil, ex)
}

func (p *Proxy) serveMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, HEAD")
	p.metrics.ObserveRequest(unmatchedRouteLabel, metrics.RequestError, http.StatusMethodNotAllowed, 0)
	p.WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
}

// passthrough forwards outbound to the origin without touching any actor.
// Non-empty directives overwrite the origin's Cache-Control values.
func (p *Proxy) passthrough(w http.ResponseWriter, r *http.Request, outbound *http.Request, directives map[string]int, ex exchange) {
	start := time.Now()
	resp, err := p.origin.Do(outbound)
	if err != nil {
		p.metrics.ObserveOriginFetch(metrics.FetchRequest, metrics.FetchTransport, time.Since(start))
		ex.logger.Warn("pass-through origin request failed", slog.Any("error", err))
		ex.outcome = metrics.RequestError
		p.finish(w, r, ex, nil, http.StatusBadGateway, "origin unavailable")
		return
	}
	result := metrics.FetchOK
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result = metrics.FetchStatus
	}
	p.metrics.ObserveOriginFetch(metrics.FetchRequest, result, time.Since(start))
	if len(directives) > 0 {
		resp.Header.Set("Cache-Control", cachecontrol.Merge(resp.Header.Get("Cache-Control"), directives))
	}
	p.finish(w, r, ex, resp, 0, "")
}

func (p *Proxy) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

// errorStatus maps an actor failure without a response to a client status.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "origin timed out"
	case errors.Is(err, actor.ErrOriginFailure):
		return http.StatusBadGateway, "origin unavailable"
	default:
		return http.StatusInternalServerError, "cache unavailable"
	}
}

func definitionsFromConfig(in map[string]config.RouteConfig) ([]routes.Definition, error) {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]routes.Definition, 0, len(names))
	var errs []error
	for _, name := range names {
		cfg := in[name]
		mode, err := routes.ParseMode(cfg.Mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("runtime: route %s: %w", name, err))
			continue
		}
		refresh, err := config.ParseDuration(cfg.Refresh)
		if err != nil {
			errs = append(errs, fmt.Errorf("runtime: route %s: refresh: %w", name, err))
			continue
		}
		defs = append(defs, routes.Definition{
			Name:         name,
			Description:  cfg.Description,
			Pattern:      cfg.Pattern,
			Mode:         mode,
			Refresh:      refresh,
			QuerySet:     cloneStringMap(cfg.Query.Set),
			QueryStrip:   cloneStringSlice(cfg.Query.Strip),
			Conditions:   cloneStringSlice(cfg.Conditions),
			CacheControl: cfg.CacheControl.Directives(),
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = cloneStringSlice(skip.Sources)
	}
	return out
}
