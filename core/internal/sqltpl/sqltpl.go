// Package sqltpl implements the SQL template language used by SQL
// endpoints: `{{ expr | filter }}` substitutions, `{% if %}` and
// `{% for %}` blocks, and the `{% where %}` clause builder.
//
// Substitutions without a filter pass through the default escaper:
// strings become single-quoted SQL literals with embedded quotes
// doubled, numbers and booleans render as literals, nil renders NULL.
// Every filter renders nil as NULL.
package sqltpl

import (
	"sort"
	"strings"
)

// Template is a parsed template ready to render. Safe for concurrent
// use; rendering never mutates the node tree.
type Template struct {
	src   string
	nodes []node
}

// Parse compiles the template source. Errors carry the line number of
// the offending construct.
func Parse(src string) (*Template, error) {
	segs, err := segmentize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{segs: segs}
	nodes, stop, err := p.parseNodes(nil)
	if err != nil {
		return nil, err
	}
	if stop != nil {
		return nil, errAtf(stop.line, "unexpected {%% %s %%}", tagName(stop.text))
	}
	return &Template{src: src, nodes: nodes}, nil
}

// MustParse is Parse for static templates; it panics on error.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Render evaluates the template against params. Variables not present
// in params evaluate to nil and render as NULL.
func (t *Template) Render(params map[string]any) (string, error) {
	var sb strings.Builder
	sb.Grow(len(t.src))
	sc := &scope{vars: params}
	if err := renderNodes(&sb, t.nodes, sc); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Params returns the free variables the template reads, sorted.
// Loop-local variables are excluded.
func (t *Template) Params() []string {
	seen := map[string]struct{}{}
	collectNodes(t.nodes, map[string]struct{}{}, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Warning is a static-analysis finding.
type Warning struct {
	Line    int
	Param   string
	Message string
}

// Analyze parses src and reports every substitution that reaches the
// output without a filter. The default escaper still quotes these;
// the warning flags places where the author's intent is implicit.
func Analyze(src string) ([]Warning, error) {
	t, err := Parse(src)
	if err != nil {
		return nil, err
	}
	var ws []Warning
	warnNodes(t.nodes, &ws)
	return ws, nil
}
