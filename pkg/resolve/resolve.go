// Package resolve evaluates the declarative value expressions used by
// transaction definitions: dotted context paths, {name} URL templates and
// request body specs.
//
// The error semantics are asymmetric on purpose. A path param that cannot be
// resolved produces an unroutable URL and fails loudly with a
// ResolutionError, because a malformed path is a definition bug. A body
// field that resolves to nothing is silently omitted, letting the receiving
// API apply its own defaults.
package resolve

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/web3ekko/txflow/pkg/txdef"
)

// ResolutionError reports a declared context path that could not be resolved
// while substituting a URL template. It always indicates a definition bug,
// never a runtime condition, and is surfaced regardless of an effect's
// critical flag.
type ResolutionError struct {
	Template string
	Name     string
	Path     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve path param %q: context path %q has no value (template %q)", e.Name, e.Path, e.Template)
}

// ValueFromPath traverses obj along a dotted path ("a.b.c") and returns the
// value found. The second return is false when any segment is missing or a
// non-map value is hit before the last segment. Only dotted key traversal is
// supported; array indices are not.
func ValueFromPath(obj map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = obj
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// PathParams substitutes every {name} placeholder in template with the value
// found by traversing ctx along params[name]. Missing values fail with a
// *ResolutionError.
func PathParams(template string, params map[string]string, ctx map[string]any) (string, error) {
	out := template
	for name, path := range params {
		v, ok := ValueFromPath(ctx, path)
		if !ok {
			return "", &ResolutionError{Template: template, Name: name, Path: path}
		}
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(stringify(v)))
	}
	return out, nil
}

// RequestBody resolves each field of a body spec against ctx. Literal
// sources pass through as-is; context sources that resolve to nothing are
// omitted from the result, so the returned map contains exactly the declared
// fields whose value exists.
func RequestBody(spec map[string]txdef.ValueSource, ctx map[string]any) map[string]any {
	if len(spec) == 0 {
		return nil
	}
	body := make(map[string]any, len(spec))
	for field, src := range spec {
		switch src.Source {
		case txdef.SourceLiteral:
			body[field] = src.Value
		case txdef.SourceContext:
			if v, ok := ValueFromPath(ctx, src.Path); ok {
				body[field] = v
			}
		}
	}
	return body
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Avoid the %v exponent form for large JSON-decoded numbers.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
