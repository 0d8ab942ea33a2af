package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderName matches the grammar in spec.md §6:
// [a-zA-Z_][a-zA-Z0-9_]*
var placeholderName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// segment is one "/"-delimited piece of a resource URI template.
type segment struct {
	literal       string
	isPlaceholder bool
	name          string
}

// uriTemplate is a compiled "scheme://segment(/segment)*" template where
// segments are either literal text or a "{name}" placeholder.
type uriTemplate struct {
	raw      string
	scheme   string
	segments []segment
}

func compileTemplate(raw string) (*uriTemplate, error) {
	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return nil, fmt.Errorf("registry: invalid resource template %q: missing scheme://", raw)
	}
	scheme := raw[:idx]
	rest := raw[idx+3:]
	if rest == "" {
		return nil, fmt.Errorf("registry: invalid resource template %q: empty path", raw)
	}

	parts := strings.Split(rest, "/")
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			name := p[1 : len(p)-1]
			if !placeholderName.MatchString(name) {
				return nil, fmt.Errorf("registry: invalid placeholder name %q in %q", name, raw)
			}
			segments = append(segments, segment{isPlaceholder: true, name: name})
			continue
		}
		segments = append(segments, segment{literal: p})
	}
	return &uriTemplate{raw: raw, scheme: scheme, segments: segments}, nil
}

// match checks uri against the template. On success it returns the
// extracted placeholder values and the length of the longest literal
// prefix matched (used to break ties between overlapping templates).
func (t *uriTemplate) match(uri string) (map[string]string, int, bool) {
	idx := strings.Index(uri, "://")
	if idx <= 0 || uri[:idx] != t.scheme {
		return nil, 0, false
	}
	rest := uri[idx+3:]
	parts := strings.Split(rest, "/")
	if len(parts) != len(t.segments) {
		return nil, 0, false
	}

	params := map[string]string{}
	literalPrefix := 0
	matchedLiteralRun := true
	for i, seg := range t.segments {
		if seg.isPlaceholder {
			if parts[i] == "" {
				return nil, 0, false
			}
			params[seg.name] = parts[i]
			matchedLiteralRun = false
			continue
		}
		if seg.literal != parts[i] {
			return nil, 0, false
		}
		if matchedLiteralRun {
			literalPrefix += len(seg.literal) + 1
		}
	}
	return params, literalPrefix, true
}
