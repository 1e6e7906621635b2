package sqltpl

import (
	"fmt"
	"strconv"
	"strings"
)

type node interface{}

type textNode struct {
	text string
}

type exprNode struct {
	expr    expr
	filters []string
	line    int
}

type ifArm struct {
	cond  expr
	nodes []node
}

type ifNode struct {
	arms     []ifArm
	elseArm  []node
	line     int
}

type forNode struct {
	loopVar string
	seq     expr
	body    []node
	line    int
}

type whereNode struct {
	body []node
}

type expr interface{}

type litExpr struct {
	val any
}

// accessor is one step of a dotted or indexed lookup: a.b, a[0], a["k"].
type accessor struct {
	key   string
	index expr
}

type varExpr struct {
	name string
	path []accessor
}

type notExpr struct {
	x expr
}

type binExpr struct {
	op   string
	l, r expr
}

type parser struct {
	segs []segment
	pos  int
}

func (p *parser) next() *segment {
	if p.pos >= len(p.segs) {
		return nil
	}
	s := &p.segs[p.pos]
	p.pos++
	return s
}

// parseNodes consumes segments until EOF or a tag in stop is seen. The
// stopping tag segment is returned unconsumed-equivalent so the caller
// can dispatch on it.
func (p *parser) parseNodes(stop []string) ([]node, *segment, error) {
	var nodes []node
	for {
		seg := p.next()
		if seg == nil {
			return nodes, nil, nil
		}
		switch seg.kind {
		case segText:
			nodes = append(nodes, &textNode{text: seg.text})

		case segExpr:
			n, err := parseExprSegment(seg)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)

		case segTag:
			name := tagName(seg.text)
			for _, s := range stop {
				if name == s {
					return nodes, seg, nil
				}
			}
			n, err := p.parseTag(seg)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)
		}
	}
}

func (p *parser) parseTag(seg *segment) (node, error) {
	name := tagName(seg.text)
	rest := strings.TrimSpace(seg.text[len(name):])

	switch name {
	case "if":
		return p.parseIf(seg, rest)
	case "for":
		return p.parseFor(seg, rest)
	case "where":
		if rest != "" {
			return nil, errAtf(seg.line, "where takes no arguments")
		}
		body, stop, err := p.parseNodes([]string{"endwhere"})
		if err != nil {
			return nil, err
		}
		if stop == nil {
			return nil, errAtf(seg.line, "missing {%% endwhere %%}")
		}
		return &whereNode{body: body}, nil
	default:
		return nil, errAtf(seg.line, "unknown tag %q", name)
	}
}

func (p *parser) parseIf(seg *segment, rest string) (node, error) {
	cond, err := parseExprString(rest, seg.line)
	if err != nil {
		return nil, err
	}

	n := &ifNode{line: seg.line}
	cur := ifArm{cond: cond}

	for {
		nodes, stop, err := p.parseNodes([]string{"elif", "else", "endif"})
		if err != nil {
			return nil, err
		}
		if stop == nil {
			return nil, errAtf(seg.line, "missing {%% endif %%}")
		}
		cur.nodes = nodes
		n.arms = append(n.arms, cur)

		switch tagName(stop.text) {
		case "elif":
			cond, err := parseExprString(strings.TrimSpace(stop.text[4:]), stop.line)
			if err != nil {
				return nil, err
			}
			cur = ifArm{cond: cond}

		case "else":
			elseNodes, stop2, err := p.parseNodes([]string{"endif"})
			if err != nil {
				return nil, err
			}
			if stop2 == nil {
				return nil, errAtf(stop.line, "missing {%% endif %%}")
			}
			n.elseArm = elseNodes
			return n, nil

		case "endif":
			return n, nil
		}
	}
}

func (p *parser) parseFor(seg *segment, rest string) (node, error) {
	toks, err := tokenizeExpr(rest)
	if err != nil {
		return nil, errAtf(seg.line, "%s", err)
	}
	if len(toks) < 3 || toks[0].kind != tokIdent || toks[1].kind != tokIdent || toks[1].val != "in" {
		return nil, errAtf(seg.line, "expected: for <var> in <expr>")
	}

	seq, err := parseExprTokens(toks[2:], seg.line)
	if err != nil {
		return nil, err
	}

	body, stop, err := p.parseNodes([]string{"endfor"})
	if err != nil {
		return nil, err
	}
	if stop == nil {
		return nil, errAtf(seg.line, "missing {%% endfor %%}")
	}
	return &forNode{loopVar: toks[0].val, seq: seq, body: body, line: seg.line}, nil
}

// parseExprSegment parses the inside of {{ ... }}: an expression and an
// optional filter chain.
func parseExprSegment(seg *segment) (*exprNode, error) {
	toks, err := tokenizeExpr(seg.text)
	if err != nil {
		return nil, errAtf(seg.line, "%s", err)
	}

	// split off the filter chain at the first pipe
	var filters []string
	exprToks := toks
	for i, t := range toks {
		if t.kind != tokPipe {
			continue
		}
		exprToks = toks[:i]
		rest := toks[i:]
		for len(rest) > 0 {
			if rest[0].kind != tokPipe || len(rest) < 2 || rest[1].kind != tokIdent {
				return nil, errAtf(seg.line, "expected filter name after '|'")
			}
			filters = append(filters, rest[1].val)
			rest = rest[2:]
		}
		break
	}

	e, err := parseExprTokens(exprToks, seg.line)
	if err != nil {
		return nil, err
	}

	for _, f := range filters {
		if _, ok := filterFuncs[f]; !ok {
			return nil, errAtf(seg.line, "unknown filter %q", f)
		}
	}
	return &exprNode{expr: e, filters: filters, line: seg.line}, nil
}

type exprParser struct {
	toks []token
	pos  int
	line int
}

func parseExprString(src string, line int) (expr, error) {
	toks, err := tokenizeExpr(src)
	if err != nil {
		return nil, errAtf(line, "%s", err)
	}
	return parseExprTokens(toks, line)
}

func parseExprTokens(toks []token, line int) (expr, error) {
	ep := &exprParser{toks: toks, line: line}
	e, err := ep.parseOr()
	if err != nil {
		return nil, err
	}
	if ep.pos != len(ep.toks) {
		return nil, errAtf(line, "unexpected %q", ep.toks[ep.pos].val)
	}
	return e, nil
}

func (ep *exprParser) peek() *token {
	if ep.pos >= len(ep.toks) {
		return nil
	}
	return &ep.toks[ep.pos]
}

func (ep *exprParser) parseOr() (expr, error) {
	l, err := ep.parseAnd()
	if err != nil {
		return nil, err
	}
	for t := ep.peek(); t != nil && t.kind == tokIdent && t.val == "or"; t = ep.peek() {
		ep.pos++
		r, err := ep.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: "or", l: l, r: r}
	}
	return l, nil
}

func (ep *exprParser) parseAnd() (expr, error) {
	l, err := ep.parseNot()
	if err != nil {
		return nil, err
	}
	for t := ep.peek(); t != nil && t.kind == tokIdent && t.val == "and"; t = ep.peek() {
		ep.pos++
		r, err := ep.parseNot()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: "and", l: l, r: r}
	}
	return l, nil
}

func (ep *exprParser) parseNot() (expr, error) {
	if t := ep.peek(); t != nil && t.kind == tokIdent && t.val == "not" {
		ep.pos++
		x, err := ep.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{x: x}, nil
	}
	return ep.parseCompare()
}

func (ep *exprParser) parseCompare() (expr, error) {
	l, err := ep.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := ep.peek()
	if t == nil || t.kind != tokOp {
		return l, nil
	}
	switch t.val {
	case "==", "!=", "<", "<=", ">", ">=":
		ep.pos++
		r, err := ep.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &binExpr{op: t.val, l: l, r: r}, nil
	}
	return l, nil
}

func (ep *exprParser) parsePrimary() (expr, error) {
	t := ep.peek()
	if t == nil {
		return nil, errAtf(ep.line, "unexpected end of expression")
	}

	switch t.kind {
	case tokNumber:
		ep.pos++
		if strings.Contains(t.val, ".") {
			f, err := strconv.ParseFloat(t.val, 64)
			if err != nil {
				return nil, errAtf(ep.line, "bad number %q", t.val)
			}
			return &litExpr{val: f}, nil
		}
		n, err := strconv.ParseInt(t.val, 10, 64)
		if err != nil {
			return nil, errAtf(ep.line, "bad number %q", t.val)
		}
		return &litExpr{val: n}, nil

	case tokString:
		ep.pos++
		return &litExpr{val: t.val}, nil

	case tokIdent:
		ep.pos++
		switch t.val {
		case "true":
			return &litExpr{val: true}, nil
		case "false":
			return &litExpr{val: false}, nil
		case "null", "none", "None":
			return &litExpr{val: nil}, nil
		}
		return ep.parsePath(t.val)

	case tokOp:
		if t.val == "(" {
			ep.pos++
			e, err := ep.parseOr()
			if err != nil {
				return nil, err
			}
			c := ep.peek()
			if c == nil || c.kind != tokOp || c.val != ")" {
				return nil, errAtf(ep.line, "missing ')'")
			}
			ep.pos++
			return e, nil
		}
	}
	return nil, errAtf(ep.line, "unexpected %q", t.val)
}

func (ep *exprParser) parsePath(name string) (expr, error) {
	v := &varExpr{name: name}
	for {
		t := ep.peek()
		if t == nil || t.kind != tokOp {
			return v, nil
		}
		switch t.val {
		case ".":
			ep.pos++
			f := ep.peek()
			if f == nil || f.kind != tokIdent {
				return nil, errAtf(ep.line, "expected field name after '.'")
			}
			ep.pos++
			v.path = append(v.path, accessor{key: f.val})

		case "[":
			ep.pos++
			idx, err := ep.parseOr()
			if err != nil {
				return nil, err
			}
			c := ep.peek()
			if c == nil || c.kind != tokOp || c.val != "]" {
				return nil, errAtf(ep.line, "missing ']'")
			}
			ep.pos++
			v.path = append(v.path, accessor{index: idx})

		default:
			return v, nil
		}
	}
}

// collectNodes walks the node tree gathering free variable names. The
// locals set carries loop variables so they are not reported.
func collectNodes(nodes []node, locals map[string]struct{}, seen map[string]struct{}) {
	for _, n := range nodes {
		switch v := n.(type) {
		case *exprNode:
			collectExpr(v.expr, locals, seen)
		case *ifNode:
			for _, arm := range v.arms {
				collectExpr(arm.cond, locals, seen)
				collectNodes(arm.nodes, locals, seen)
			}
			collectNodes(v.elseArm, locals, seen)
		case *forNode:
			collectExpr(v.seq, locals, seen)
			inner := map[string]struct{}{v.loopVar: {}}
			for k := range locals {
				inner[k] = struct{}{}
			}
			collectNodes(v.body, inner, seen)
		case *whereNode:
			collectNodes(v.body, locals, seen)
		}
	}
}

func collectExpr(e expr, locals, seen map[string]struct{}) {
	switch v := e.(type) {
	case *varExpr:
		if _, ok := locals[v.name]; !ok {
			seen[v.name] = struct{}{}
		}
		for _, a := range v.path {
			if a.index != nil {
				collectExpr(a.index, locals, seen)
			}
		}
	case *notExpr:
		collectExpr(v.x, locals, seen)
	case *binExpr:
		collectExpr(v.l, locals, seen)
		collectExpr(v.r, locals, seen)
	}
}

// warnNodes reports substitutions that reach the output with no filter.
func warnNodes(nodes []node, ws *[]Warning) {
	for _, n := range nodes {
		switch v := n.(type) {
		case *exprNode:
			if len(v.filters) != 0 {
				continue
			}
			if ve, ok := v.expr.(*varExpr); ok {
				*ws = append(*ws, Warning{
					Line:    v.line,
					Param:   ve.name,
					Message: fmt.Sprintf("parameter %q is rendered without a SQL filter", ve.name),
				})
			}
		case *ifNode:
			for _, arm := range v.arms {
				warnNodes(arm.nodes, ws)
			}
			warnNodes(v.elseArm, ws)
		case *forNode:
			warnNodes(v.body, ws)
		case *whereNode:
			warnNodes(v.body, ws)
		}
	}
}
