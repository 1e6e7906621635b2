package sqltpl

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

type scope struct {
	vars   map[string]any
	locals map[string]any
}

func (sc *scope) lookup(name string) any {
	if sc.locals != nil {
		if v, ok := sc.locals[name]; ok {
			return v
		}
	}
	if sc.vars != nil {
		if v, ok := sc.vars[name]; ok {
			return v
		}
	}
	return nil
}

func (sc *scope) child(name string, val any) *scope {
	locals := make(map[string]any, len(sc.locals)+1)
	for k, v := range sc.locals {
		locals[k] = v
	}
	locals[name] = val
	return &scope{vars: sc.vars, locals: locals}
}

var leadingAndOr = regexp.MustCompile(`(?i)^(and|or)\b\s*`)

func renderNodes(sb *strings.Builder, nodes []node, sc *scope) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case *textNode:
			sb.WriteString(v.text)

		case *exprNode:
			val, err := eval(v.expr, sc)
			if err != nil {
				return errAtf(v.line, "%s", err)
			}
			s, err := applyFilters(val, v.filters)
			if err != nil {
				return errAtf(v.line, "%s", err)
			}
			sb.WriteString(s)

		case *ifNode:
			done := false
			for _, arm := range v.arms {
				cond, err := eval(arm.cond, sc)
				if err != nil {
					return errAtf(v.line, "%s", err)
				}
				if truthy(cond) {
					if err := renderNodes(sb, arm.nodes, sc); err != nil {
						return err
					}
					done = true
					break
				}
			}
			if !done && v.elseArm != nil {
				if err := renderNodes(sb, v.elseArm, sc); err != nil {
					return err
				}
			}

		case *forNode:
			seq, err := eval(v.seq, sc)
			if err != nil {
				return errAtf(v.line, "%s", err)
			}
			for _, item := range toList(seq) {
				if err := renderNodes(sb, v.body, sc.child(v.loopVar, item)); err != nil {
					return err
				}
			}

		case *whereNode:
			var inner strings.Builder
			if err := renderNodes(&inner, v.body, sc); err != nil {
				return err
			}
			body := strings.TrimSpace(inner.String())
			if body == "" {
				continue
			}
			body = leadingAndOr.ReplaceAllString(body, "")
			if body == "" {
				continue
			}
			sb.WriteString("WHERE ")
			sb.WriteString(body)
		}
	}
	return nil
}

func eval(e expr, sc *scope) (any, error) {
	switch v := e.(type) {
	case *litExpr:
		return v.val, nil

	case *varExpr:
		cur := sc.lookup(v.name)
		for _, a := range v.path {
			if a.index == nil {
				cur = fieldOf(cur, a.key)
				continue
			}
			idx, err := eval(a.index, sc)
			if err != nil {
				return nil, err
			}
			cur = indexOf(cur, idx)
		}
		return cur, nil

	case *notExpr:
		x, err := eval(v.x, sc)
		if err != nil {
			return nil, err
		}
		return !truthy(x), nil

	case *binExpr:
		l, err := eval(v.l, sc)
		if err != nil {
			return nil, err
		}
		switch v.op {
		case "and":
			if !truthy(l) {
				return false, nil
			}
			r, err := eval(v.r, sc)
			if err != nil {
				return nil, err
			}
			return truthy(r), nil
		case "or":
			if truthy(l) {
				return true, nil
			}
			r, err := eval(v.r, sc)
			if err != nil {
				return nil, err
			}
			return truthy(r), nil
		}
		r, err := eval(v.r, sc)
		if err != nil {
			return nil, err
		}
		return compare(v.op, l, r)
	}
	return nil, fmt.Errorf("bad expression")
}

func fieldOf(v any, key string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[key]
	case map[string]string:
		return m[key]
	}
	return nil
}

func indexOf(v any, idx any) any {
	if s, ok := idx.(string); ok {
		return fieldOf(v, s)
	}
	i, ok := toInt64(idx)
	if !ok {
		return nil
	}
	list := toList(v)
	if i < 0 || int(i) >= len(list) {
		return nil
	}
	return list[i]
}

func compare(op string, l, r any) (any, error) {
	if lf, lok := toFloat64(l); lok {
		if rf, rok := toFloat64(r); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
	}

	ls, rs := fmt.Sprint(l), fmt.Sprint(r)
	switch op {
	case "==":
		return l == nil && r == nil || l != nil && r != nil && ls == rs, nil
	case "!=":
		eq, _ := compare("==", l, r)
		return !eq.(bool), nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return nil, fmt.Errorf("bad operator %q", op)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() != 0
	}
	return true
}
