package sqltpl

import (
	"fmt"
	"strings"
)

type segKind int

const (
	segText segKind = iota
	segExpr // {{ ... }}
	segTag  // {% ... %}
)

type segment struct {
	kind segKind
	text string
	line int
}

func errAtf(line int, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", line, fmt.Sprintf(format, args...))
}

// segmentize splits raw template source into text, expression and tag
// segments, tracking line numbers for error reporting.
func segmentize(src string) ([]segment, error) {
	var segs []segment
	line := 1
	for len(src) > 0 {
		oe := strings.Index(src, "{{")
		ot := strings.Index(src, "{%")
		if oe < 0 && ot < 0 {
			segs = append(segs, segment{segText, src, line})
			break
		}
		open, kind, closer := oe, segExpr, "}}"
		if oe < 0 || (ot >= 0 && ot < oe) {
			open, kind, closer = ot, segTag, "%}"
		}
		if open > 0 {
			segs = append(segs, segment{segText, src[:open], line})
			line += strings.Count(src[:open], "\n")
		}
		rest := src[open+2:]
		end := strings.Index(rest, closer)
		if end < 0 {
			return nil, errAtf(line, "unclosed %q", src[open:open+2])
		}
		inner := rest[:end]
		segs = append(segs, segment{kind, strings.TrimSpace(inner), line})
		line += strings.Count(inner, "\n")
		src = rest[end+2:]
	}
	return segs, nil
}

func tagName(text string) string {
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		return text[:i]
	}
	return text
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokPipe
)

type token struct {
	kind tokKind
	val  string
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// tokenizeExpr lexes the inside of a {{ }} or the remainder of a tag.
func tokenizeExpr(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		case isDigit(c) || c == '-' && i+1 < len(src) && isDigit(src[i+1]):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(src) && src[j] != c {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case c == '|':
			toks = append(toks, token{tokPipe, "|"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2]})
				i += 2
				break
			}
			if c == '=' || c == '!' {
				return nil, fmt.Errorf("unexpected %q", string(c))
			}
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '.' || c == '[' || c == ']' || c == '(' || c == ')':
			toks = append(toks, token{tokOp, string(c)})
			i++
		default:
			return nil, fmt.Errorf("unexpected %q", string(c))
		}
	}
	return toks, nil
}
