// Package template implements the restricted substitution grammar for
// cross-step data flow: string parameters may embed ${<step>.output.<path>}
// tokens referencing a dotted path into a prior step's recorded output.
// The grammar is deliberately not an expression language; it exists so the
// dependency graph stays statically derivable from the parameter map alone.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvedReference is returned when a token's dotted path does not
// exist in the referenced step's recorded output.
var ErrUnresolvedReference = fmt.Errorf("unresolved reference")

// refPattern matches ${step.output.dotted.path} tokens. The first segment is
// the referenced step name, the remainder after "output." is the path into
// that step's output map.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.output\.([A-Za-z0-9_.-]+)\}`)

// Ref is one parsed output reference.
type Ref struct {
	Step  string // the referenced step name
	Path  string // dotted path inside that step's output
	Token string // the full ${...} token as written
}

// Refs scans a parameter map for output-reference tokens, descending into
// nested maps and slices. Order follows a depth-first walk; a step
// referenced more than once appears more than once.
func Refs(params map[string]any) []Ref {
	var refs []Ref
	walkValues(params, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			refs = append(refs, Ref{Step: m[1], Path: m[2], Token: m[0]})
		}
	})
	return refs
}

// Resolve returns a copy of params with every reference token replaced by
// the value recorded at its dotted path in outputs. A string consisting of
// exactly one token takes the referenced value as-is, preserving its type;
// a token embedded in a longer string is spliced in textually. A missing
// step output or dotted path yields ErrUnresolvedReference.
func Resolve(params map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	out, err := resolveValue(params, outputs)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, outputs map[string]map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, outputs)
	case map[string]any:
		resolved := make(map[string]any, len(val))
		for k, elem := range val {
			r, err := resolveValue(elem, outputs)
			if err != nil {
				return nil, err
			}
			resolved[k] = r
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(val))
		for i, elem := range val {
			r, err := resolveValue(elem, outputs)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs map[string]map[string]any) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A whole-string token resolves to the referenced value itself so that
	// non-string outputs survive substitution intact.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := refFromMatch(s, matches[0])
		return lookup(ref, outputs)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		ref := refFromMatch(s, m)
		val, err := lookup(ref, outputs)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s[last:m[0]])
		sb.WriteString(fmt.Sprintf("%v", val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func refFromMatch(s string, m []int) Ref {
	return Ref{
		Step:  s[m[2]:m[3]],
		Path:  s[m[4]:m[5]],
		Token: s[m[0]:m[1]],
	}
}

func lookup(ref Ref, outputs map[string]map[string]any) (any, error) {
	output, ok := outputs[ref.Step]
	if !ok {
		return nil, fmt.Errorf("%w: no recorded output for step %q", ErrUnresolvedReference, ref.Step)
	}
	var cur any = output
	for _, seg := range strings.Split(ref.Path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a map while walking %q", ErrUnresolvedReference, ref.Token, seg)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("%w: path %q not found in output of step %q", ErrUnresolvedReference, ref.Path, ref.Step)
		}
	}
	return cur, nil
}

func walkValues(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, elem := range val {
			walkValues(elem, fn)
		}
	case []any:
		for _, elem := range val {
			walkValues(elem, fn)
		}
	}
}
