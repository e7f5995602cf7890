package router

import (
	"fmt"
	"path"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segCatchAll
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// pattern is a parsed route path such as /video/{path...}.
type pattern struct {
	raw      string
	segments []segment
}

// parsePattern validates and parses a route path pattern.
func parsePattern(raw string) (*pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	parts := splitPath(raw)
	p := &pattern{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]struct{})

	for i, part := range parts {
		if !strings.HasPrefix(part, "{") {
			if strings.ContainsAny(part, "{}") {
				return nil, fmt.Errorf("pattern %q: malformed segment %q", raw, part)
			}
			p.segments = append(p.segments, segment{kind: segLiteral, value: part})
			continue
		}

		if !strings.HasSuffix(part, "}") {
			return nil, fmt.Errorf("pattern %q: unterminated wildcard %q", raw, part)
		}
		name := part[1 : len(part)-1]
		kind := segParam
		if rest, ok := strings.CutSuffix(name, "..."); ok {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: catch-all %q must be the last segment", raw, part)
			}
			name = rest
			kind = segCatchAll
		}
		if name == "" || strings.ContainsAny(name, "{}/") {
			return nil, fmt.Errorf("pattern %q: invalid wildcard name in %q", raw, part)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("pattern %q: duplicate wildcard name %q", raw, name)
		}
		seen[name] = struct{}{}
		p.segments = append(p.segments, segment{kind: kind, value: name})
	}

	return p, nil
}

// shape renders the pattern with wildcard names erased, so /a/{x} and
// /a/{y} compare equal.
func (p *pattern) shape() string {
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		switch s.kind {
		case segLiteral:
			b.WriteString(s.value)
		case segParam:
			b.WriteString("{}")
		case segCatchAll:
			b.WriteString("{...}")
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// literalPrefix counts leading literal segments.
func (p *pattern) literalPrefix() int {
	n := 0
	for _, s := range p.segments {
		if s.kind != segLiteral {
			break
		}
		n++
	}
	return n
}

func (p *pattern) literalCount() int {
	n := 0
	for _, s := range p.segments {
		if s.kind == segLiteral {
			n++
		}
	}
	return n
}

func (p *pattern) hasCatchAll() bool {
	n := len(p.segments)
	return n > 0 && p.segments[n-1].kind == segCatchAll
}

// match reports whether the request path segments fit the pattern and
// returns the captured wildcard values.
func (p *pattern) match(parts []string) (map[string]string, bool) {
	var params map[string]string
	for i, s := range p.segments {
		switch s.kind {
		case segLiteral:
			if i >= len(parts) || parts[i] != s.value {
				return nil, false
			}
		case segParam:
			if i >= len(parts) {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, len(p.segments))
			}
			params[s.value] = parts[i]
		case segCatchAll:
			if i >= len(parts) {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, len(p.segments))
			}
			params[s.value] = strings.Join(parts[i:], "/")
			return params, true
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// splitPath cleans a URL path and returns its non-empty segments.
func splitPath(p string) []string {
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

// Expand substitutes {name} and {name...} placeholders in tmpl with params.
// Unknown placeholders are left untouched.
func Expand(tmpl string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		closing := strings.IndexByte(tmpl[open:], '}')
		if closing < 0 {
			b.WriteString(tmpl)
			break
		}
		closing += open
		name := strings.TrimSuffix(tmpl[open+1:closing], "...")
		b.WriteString(tmpl[:open])
		if v, ok := params[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(tmpl[open : closing+1])
		}
		tmpl = tmpl[closing+1:]
	}
	return b.String()
}
