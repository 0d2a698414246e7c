package manifest

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// paramsFromExpr converts a step's params expression into a native map.
// Bare traversals rooted at a step name (fetch.output.path) become reference
// tokens; everything else must be a literal and is evaluated with no
// variables in scope, so $${...} escapes survive as literal token text.
func paramsFromExpr(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return map[string]any{}, nil
	}
	v, err := convertExpr(expr)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("params must be a map, got %T", v)
	}
	return m, nil
}

func convertExpr(expr hcl.Expression) (any, error) {
	if traversal, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		return tokenFromTraversal(traversal)
	}

	if pairs, diags := hcl.ExprMap(expr); !diags.HasErrors() {
		m := make(map[string]any, len(pairs))
		for _, pair := range pairs {
			keyVal, diags := pair.Key.Value(nil)
			if diags.HasErrors() || keyVal.Type() != cty.String {
				return nil, fmt.Errorf("map keys must be static strings: %s", diags)
			}
			v, err := convertExpr(pair.Value)
			if err != nil {
				return nil, err
			}
			m[keyVal.AsString()] = v
		}
		return m, nil
	}

	if exprs, diags := hcl.ExprList(expr); !diags.HasErrors() {
		list := make([]any, 0, len(exprs))
		for _, elem := range exprs {
			v, err := convertExpr(elem)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}

	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("param values must be literals or step output traversals: %s", diags)
	}
	return ctyToNative(val)
}

// tokenFromTraversal renders fetch.output.some.path as the reference token
// ${fetch.output.some.path}.
func tokenFromTraversal(traversal hcl.Traversal) (string, error) {
	parts := []string{traversal.RootName()}
	for _, step := range traversal[1:] {
		attr, ok := step.(hcl.TraverseAttr)
		if !ok {
			return "", fmt.Errorf("step output references must use attribute access only")
		}
		parts = append(parts, attr.Name)
	}
	if len(parts) < 3 || parts[1] != "output" {
		return "", fmt.Errorf("reference %s must have the form <step>.output.<path>", strings.Join(parts, "."))
	}
	return fmt.Sprintf("${%s}", strings.Join(parts, ".")), nil
}

func ctyToNative(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	t := val.Type()
	switch {
	case t == cty.String:
		return val.AsString(), nil
	case t == cty.Bool:
		return val.True(), nil
	case t == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == 0 {
			return int(i), nil
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsObjectType() || t.IsMapType():
		m := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			native, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			m[k.AsString()] = native
		}
		return m, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		var list []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			native, err := ctyToNative(v)
			if err != nil {
				return nil, err
			}
			list = append(list, native)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported param value type %s", t.FriendlyName())
	}
}
