package pnl

import (
	"strings"
)

const defaultFallback = "uncategorized"

// CategoryConfig is the explicit category setup for breakdowns. With no
// predefined or custom categories every normalized name gets its own row.
type CategoryConfig struct {
	Predefined []string
	Custom     []string
	Aliases    map[string]string
	Fallback   string
}

type categoryResolver struct {
	order    []string
	known    map[string]string
	aliases  map[string]string
	fallback string
	open     bool
}

func normalizeCategory(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c CategoryConfig) resolver() categoryResolver {
	r := categoryResolver{
		known:    make(map[string]string),
		aliases:  make(map[string]string, len(c.Aliases)),
		fallback: normalizeCategory(c.Fallback),
	}
	if r.fallback == "" {
		r.fallback = defaultFallback
	}
	for _, list := range [][]string{c.Predefined, c.Custom} {
		for _, name := range list {
			key := normalizeCategory(name)
			if key == "" {
				continue
			}
			if _, dup := r.known[key]; dup {
				continue
			}
			r.known[key] = key
			r.order = append(r.order, key)
		}
	}
	for from, to := range c.Aliases {
		r.aliases[normalizeCategory(from)] = normalizeCategory(to)
	}
	r.open = len(r.order) == 0
	return r
}

func (r categoryResolver) resolve(name string) string {
	key := normalizeCategory(name)
	if alias, ok := r.aliases[key]; ok {
		key = alias
	}
	if key == "" {
		return r.fallback
	}
	if r.open {
		return key
	}
	if canonical, ok := r.known[key]; ok {
		return canonical
	}
	return r.fallback
}
