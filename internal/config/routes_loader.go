package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/proxystore/internal/expr"
	"github.com/l0p7/proxystore/internal/runtime/routes"
)

const inlineSourceName = "inline-config"

// RouteBundle captures the merged route definitions after loading every
// configured source, together with what was loaded and what was skipped.
type RouteBundle struct {
	Routes  map[string]RouteConfig
	Sources []string
	Skipped []DefinitionSkip
}

type routeDocument struct {
	Routes map[string]RouteConfig `koanf:"routes"`
}

type routeAggregator struct {
	routes       map[string]RouteConfig
	routeSources map[string]string
	routeSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newRouteAggregator() *routeAggregator {
	return &routeAggregator{
		routes:       make(map[string]RouteConfig),
		routeSources: make(map[string]string),
		routeSkips:   make(map[string]*DefinitionSkip),
		sources:      make(map[string]struct{}),
	}
}

func (a *routeAggregator) addDocument(doc routeDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Routes {
		a.addRoute(name, cfg, source)
	}
}

func (a *routeAggregator) addRoute(name string, cfg RouteConfig, source string) {
	if existing, ok := a.routeSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.routeSources[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.routeSources, name)
		delete(a.routes, name)
		return
	}
	a.routeSources[name] = source
	a.routes[name] = cfg
}

// validate quarantines routes the runtime could not compile so a single bad
// document does not take the whole table down.
func (a *routeAggregator) validate(env *expr.Environment) {
	patterns := make(map[string]string)
	names := make([]string, 0, len(a.routes))
	for name := range a.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := a.routes[name]
		if err := validateRoute(cfg, env); err != nil {
			a.quarantine(name, fmt.Sprintf("invalid route: %v", err))
			continue
		}
		if other, ok := patterns[cfg.Pattern]; ok {
			a.quarantine(name, fmt.Sprintf("pattern %s already served by route %q", cfg.Pattern, other))
			continue
		}
		patterns[cfg.Pattern] = name
	}
}

func (a *routeAggregator) quarantine(name, reason string) {
	a.recordSkip(name, reason, a.routeSources[name])
	delete(a.routeSources, name)
	delete(a.routes, name)
}

func (a *routeAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.routeSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "route",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.routeSkips[name] = skip
}

func (a *routeAggregator) bundle() RouteBundle {
	out := make(map[string]RouteConfig, len(a.routes))
	for name, cfg := range a.routes {
		out[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.routeSkips))
	for _, skip := range a.routeSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return RouteBundle{Routes: out, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func validateRoute(cfg RouteConfig, env *expr.Environment) error {
	if err := routes.ValidatePattern(cfg.Pattern); err != nil {
		return err
	}
	mode, err := routes.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	refresh, err := ParseDuration(cfg.Refresh)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if refresh < 0 {
		return fmt.Errorf("refresh must not be negative")
	}
	if mode == routes.ModePassthrough && (len(cfg.Query.Set) > 0 || len(cfg.Conditions) > 0) {
		return fmt.Errorf("passthrough routes do not take query overrides or conditions")
	}
	for name, value := range cfg.CacheControl.Directives() {
		if value < 0 {
			return fmt.Errorf("cacheControl.%s must not be negative", name)
		}
	}
	for idx, expression := range cfg.Conditions {
		trimmed := strings.TrimSpace(expression)
		if trimmed == "" {
			continue
		}
		if _, err := env.Compile(trimmed); err != nil {
			return fmt.Errorf("conditions[%d]: %w", idx, err)
		}
	}
	return nil
}

func buildRouteBundle(ctx context.Context, inline map[string]RouteConfig, source RoutesSourceConfig) (RouteBundle, error) {
	agg := newRouteAggregator()
	if len(inline) > 0 {
		agg.addDocument(routeDocument{Routes: inline}, inlineSourceName)
	}

	files, err := collectRouteSources(ctx, source)
	if err != nil {
		return RouteBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RouteBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRouteDocument(path)
		if err != nil {
			return RouteBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return RouteBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

func collectRouteSources(ctx context.Context, source RoutesSourceConfig) ([]string, error) {
	if source.RoutesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(source.RoutesFile); err != nil {
			return nil, err
		}
		return []string{source.RoutesFile}, nil
	}
	if source.RoutesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(source.RoutesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: routes folder %s: %w", source.RoutesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: routes folder %s is not a directory", source.RoutesFolder)
	}
	var files []string
	err = filepath.WalkDir(source.RoutesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRoutesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk routes folder %s: %w", source.RoutesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: routes file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: routes file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRouteDocument(path string) (routeDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return routeDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return routeDocument{}, fmt.Errorf("config: load routes from %s: %w", path, err)
	}
	var doc routeDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return routeDocument{}, fmt.Errorf("config: decode routes from %s: %w", path, err)
	}
	if doc.Routes == nil {
		doc.Routes = make(map[string]RouteConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported routes file extension %s", ext)
	}
}

func isSupportedRoutesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRouteMap(in map[string]RouteConfig) map[string]RouteConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
