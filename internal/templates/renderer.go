package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// EnvPolicy limits which process environment variables templates can read.
// With AllowAll unset only the names in Allowed resolve; everything else
// renders as an empty string.
type EnvPolicy struct {
	AllowAll bool
	Allowed  []string
}

func (p EnvPolicy) lookup(key string) string {
	if p.AllowAll {
		return os.Getenv(key)
	}
	for _, name := range p.Allowed {
		if strings.TrimSpace(name) == key {
			return os.Getenv(key)
		}
	}
	return ""
}

// Renderer compiles sprig templates used for origin request headers.
type Renderer struct {
	policy EnvPolicy
	funcs  template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer whose env helpers honour policy.
func NewRenderer(policy EnvPolicy) *Renderer {
	funcs := sprig.TxtFuncMap()
	// Filesystem helpers and the unrestricted env helpers are removed; env and
	// expandenv are replaced below.
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{policy: policy, funcs: make(template.FuncMap, len(funcs)+2)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["env"] = func(key string) string {
		return r.policy.lookup(key)
	}
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, r.policy.lookup)
	}
	return r
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// HeaderSet is a compiled set of header templates keyed by header name.
type HeaderSet struct {
	templates map[string]*Template
}

// CompileHeaders compiles every header value template. Empty values are
// dropped.
func (r *Renderer) CompileHeaders(headers map[string]string) (*HeaderSet, error) {
	set := &HeaderSet{templates: make(map[string]*Template, len(headers))}
	for name, source := range headers {
		tmpl, err := r.CompileInline("header:"+name, source)
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			continue
		}
		set.templates[name] = tmpl
	}
	return set, nil
}

// Render evaluates every template against data. Headers rendering to an empty
// string are omitted.
func (s *HeaderSet) Render(data any) (map[string]string, error) {
	out := make(map[string]string)
	if s == nil {
		return out, nil
	}
	for name, tmpl := range s.templates {
		value, err := tmpl.Render(data)
		if err != nil {
			return nil, err
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out[name] = value
	}
	return out, nil
}

// Len reports how many header templates are compiled.
func (s *HeaderSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.templates)
}
