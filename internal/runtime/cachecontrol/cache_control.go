package cachecontrol

import (
	"slices"
	"strconv"
	"strings"
)

// Directive is one entry of a Cache-Control header. Value is empty for
// boolean directives such as no-store.
type Directive struct {
	Name  string
	Value string
}

// Directives is a parsed Cache-Control header. Order is preserved so a merged
// header reads like the origin's.
type Directives struct {
	list []Directive
}

// Parse splits a Cache-Control header into directives. Names are lower-cased;
// quoted values are unquoted. Later duplicates replace earlier ones.
//
// Format: Cache-Control: directive1, directive2=value, directive3
func Parse(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		d.set(name, value)
	}
	return d
}

// Len reports the number of directives.
func (d Directives) Len() int { return len(d.list) }

// Has reports whether the directive is present.
func (d Directives) Has(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// Get returns the raw value of a directive.
func (d Directives) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, entry := range d.list {
		if entry.Name == name {
			return entry.Value, true
		}
	}
	return "", false
}

// Seconds returns a non-negative delta-seconds directive such as max-age.
func (d Directives) Seconds(name string) (int, bool) {
	value, ok := d.Get(name)
	if !ok {
		return 0, false
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}

// MaxAge returns the max-age directive.
func (d Directives) MaxAge() (int, bool) { return d.Seconds("max-age") }

// SMaxAge returns the s-maxage directive.
func (d Directives) SMaxAge() (int, bool) { return d.Seconds("s-maxage") }

// NoStore reports whether no-store is present.
func (d Directives) NoStore() bool { return d.Has("no-store") }

// NoCache reports whether no-cache is present.
func (d Directives) NoCache() bool { return d.Has("no-cache") }

// Private reports whether private is present.
func (d Directives) Private() bool { return d.Has("private") }

// WithSeconds returns a copy with a delta-seconds directive set.
func (d Directives) WithSeconds(name string, seconds int) Directives {
	out := d.clone()
	out.set(strings.ToLower(name), strconv.Itoa(seconds))
	return out
}

// Without returns a copy with the named directive removed.
func (d Directives) Without(name string) Directives {
	name = strings.ToLower(name)
	out := Directives{list: make([]Directive, 0, len(d.list))}
	for _, entry := range d.list {
		if entry.Name != name {
			out.list = append(out.list, entry)
		}
	}
	return out
}

// String renders the directives as a header value.
func (d Directives) String() string {
	parts := make([]string, 0, len(d.list))
	for _, entry := range d.list {
		if entry.Value == "" {
			parts = append(parts, entry.Name)
			continue
		}
		parts = append(parts, entry.Name+"="+entry.Value)
	}
	return strings.Join(parts, ", ")
}

// Merge overlays delta-seconds overrides onto an origin header, keeping every
// other origin directive. A negative override removes the directive.
func Merge(header string, overrides map[string]int) string {
	d := Parse(header)
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		seconds := overrides[name]
		if seconds < 0 {
			d = d.Without(name)
			continue
		}
		d = d.WithSeconds(name, seconds)
	}
	return d.String()
}

func (d *Directives) set(name, value string) {
	for i := range d.list {
		if d.list[i].Name == name {
			d.list[i].Value = value
			return
		}
	}
	d.list = append(d.list, Directive{Name: name, Value: value})
}

func (d Directives) clone() Directives {
	return Directives{list: append([]Directive(nil), d.list...)}
}
