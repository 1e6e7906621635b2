package core

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

const patternCacheSize = 1024

// resolution is the outcome of mapping a request path to an endpoint.
type resolution struct {
	Module   *Module
	Endpoint *Endpoint
	PathVars map[string]string
}

// resolver maps method+path to a published endpoint. Store reads go
// through a short-TTL cache so resolution stays cheap and read-only.
type resolver struct {
	store    *store
	log      *zap.SugaredLogger
	ttl      time.Duration
	reads    cache.Cache
	patterns *lru.TwoQueueCache[string, *regexp.Regexp]
	warned   sync.Map
}

func newResolver(st *store, ttl time.Duration, log *zap.SugaredLogger) (*resolver, error) {
	reads, err := cache.NewCache(cache.MaxKeys(4096), cache.TTL(ttl), cache.LRU())
	if err != nil {
		return nil, err
	}
	patterns, err := lru.New2Q[string, *regexp.Regexp](patternCacheSize)
	if err != nil {
		return nil, err
	}
	return &resolver{store: st, log: log, ttl: ttl, reads: reads, patterns: patterns}, nil
}

// Resolve finds the endpoint serving a request. The first path
// segment selects a module by effective key; when nothing matches,
// root modules (empty prefix) are tried against the full path.
func (rv *resolver) Resolve(ctx context.Context, method, path string) (*resolution, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, newError(UnknownEndpoint, "no endpoint matches %s %s", method, path)
	}

	first, remaining, _ := strings.Cut(trimmed, "/")

	modules, err := rv.modules(ctx)
	if err != nil {
		return nil, err
	}

	for i := range modules {
		m := &modules[i]
		if moduleKey(m) != first {
			continue
		}
		if ep, vars, ok, err := rv.matchModule(ctx, m, method, remaining); err != nil {
			return nil, err
		} else if ok {
			return &resolution{Module: m, Endpoint: ep, PathVars: vars}, nil
		}
	}

	// Root-module fallback: the whole path is the candidate.
	for i := range modules {
		m := &modules[i]
		if m.PathPrefix != "" {
			continue
		}
		if ep, vars, ok, err := rv.matchModule(ctx, m, method, trimmed); err != nil {
			return nil, err
		} else if ok {
			return &resolution{Module: m, Endpoint: ep, PathVars: vars}, nil
		}
	}

	return nil, newError(UnknownEndpoint, "no endpoint matches %s %s", method, path)
}

// moduleKey is the path segment a module answers to: its prefix
// stripped of slashes, or the slug of its name when the prefix is
// empty.
func moduleKey(m *Module) string {
	if p := strings.Trim(m.PathPrefix, "/"); p != "" {
		return p
	}
	return slug.Make(m.Name)
}

func (rv *resolver) matchModule(ctx context.Context, m *Module, method, candidate string) (*Endpoint, map[string]string, bool, error) {
	endpoints, err := rv.endpoints(ctx, m.ID, method)
	if err != nil {
		return nil, nil, false, err
	}

	candidate = strings.Trim(candidate, "/")
	for i := range endpoints {
		ep := &endpoints[i]
		re := rv.compile(ep.ID, ep.PathPattern)
		if re == nil {
			continue
		}
		match := re.FindStringSubmatch(candidate)
		if match == nil {
			continue
		}

		vars := map[string]string{}
		for gi, name := range re.SubexpNames() {
			if gi > 0 && name != "" {
				vars[name] = match[gi]
			}
		}
		return ep, vars, true, nil
	}
	return nil, nil, false, nil
}

// compile turns a path pattern into an anchored regex, {name}
// becoming a named capture. A pattern that fails to compile is warned
// about once and skipped.
func (rv *resolver) compile(endpointID, pattern string) *regexp.Regexp {
	key := endpointID + "\x00" + pattern
	if re, ok := rv.patterns.Get(key); ok {
		return re
	}

	re, err := compilePathPattern(pattern)
	if err != nil {
		if _, loaded := rv.warned.LoadOrStore(key, struct{}{}); !loaded {
			rv.log.Warnw("skipping endpoint with invalid path pattern",
				"endpoint", endpointID, "pattern", pattern, "error", err)
		}
		return nil
	}
	rv.patterns.Add(key, re)
	return re
}

var pathVarRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func compilePathPattern(pattern string) (*regexp.Regexp, error) {
	trimmed := strings.Trim(pattern, "/")

	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range pathVarRe.FindAllStringSubmatchIndex(trimmed, -1) {
		b.WriteString(regexp.QuoteMeta(trimmed[last:loc[0]]))
		b.WriteString("(?P<")
		b.WriteString(trimmed[loc[2]:loc[3]])
		b.WriteString(">[^/]+)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(trimmed[last:]))
	b.WriteString("$")

	return regexp.Compile(b.String())
}

func (rv *resolver) modules(ctx context.Context) ([]Module, error) {
	if v, ok := rv.reads.Get("modules"); ok {
		return v.([]Module), nil
	}
	modules, err := rv.store.ActiveModules(ctx)
	if err != nil {
		return nil, err
	}
	rv.reads.Set("modules", modules, rv.ttl)
	return modules, nil
}

func (rv *resolver) endpoints(ctx context.Context, moduleID, method string) ([]Endpoint, error) {
	key := "eps:" + moduleID + ":" + strings.ToUpper(method)
	if v, ok := rv.reads.Get(key); ok {
		return v.([]Endpoint), nil
	}
	endpoints, err := rv.store.PublishedEndpoints(ctx, moduleID, method)
	if err != nil {
		return nil, err
	}
	rv.reads.Set(key, endpoints, rv.ttl)
	return endpoints, nil
}
