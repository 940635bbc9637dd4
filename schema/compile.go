package schema

import (
	"errors"
	"fmt"
)

// Dialect describes how a vendor's JSON Schema flavor expresses the concepts
// the type description uses. Provider packages declare one Dialect value each.
type Dialect struct {
	Name string

	// UppercaseTypes emits OpenAPI-style type names (STRING, OBJECT).
	UppercaseTypes bool
	// NullableField expresses optional properties with "nullable": true
	// instead of a null type union.
	NullableField bool
	// StrictRequired lists every property in "required" and turns optional
	// properties into null unions, as strict structured-output modes demand.
	StrictRequired bool
	// AdditionalProps reports whether "additionalProperties": true can be
	// expressed at all.
	AdditionalProps bool
	// CloseObjects emits "additionalProperties": false on every object.
	CloseObjects bool
	// RawPassthrough permits Raw nodes verbatim.
	RawPassthrough bool
	// PropertyOrdering emits the declared property order as a hint field.
	PropertyOrdering bool
}

// UnsupportedError reports a construct the target dialect cannot express. It
// is raised during compilation, before any network call.
type UnsupportedError struct {
	Dialect string
	Feature string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("schema feature %q unsupported by %s", e.Feature, e.Dialect)
}

// IsUnsupported reports whether err stems from a dialect capability gap.
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}

// Compile translates a node into the dialect's schema fragment. The result is
// freshly allocated on every call and safe for the caller to mutate.
func Compile(node *Node, d Dialect) (map[string]any, error) {
	if node == nil {
		return nil, errors.New("nil schema node")
	}
	return compileNode(node, d)
}

func compileNode(node *Node, d Dialect) (map[string]any, error) {
	switch node.Kind {
	case KindBoolean, KindInteger, KindNumber, KindString:
		out := map[string]any{"type": typeName(string(node.Kind), d)}
		describe(out, node)
		return out, nil
	case KindEnum:
		out := map[string]any{
			"type": typeName("string", d),
			"enum": toAnySlice(node.Values),
		}
		describe(out, node)
		return out, nil
	case KindArray:
		if node.Item == nil {
			return nil, errors.New("array node missing item shape")
		}
		items, err := compileNode(node.Item, d)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"type": typeName("array", d), "items": items}
		describe(out, node)
		return out, nil
	case KindObject:
		return compileObject(node, d)
	case KindRaw:
		if !d.RawPassthrough {
			return nil, &UnsupportedError{Dialect: d.Name, Feature: "raw schema"}
		}
		out := deepCopyMap(node.Raw)
		if out == nil {
			out = map[string]any{}
		}
		describe(out, node)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown schema kind %q", node.Kind)
	}
}

func compileObject(node *Node, d Dialect) (map[string]any, error) {
	if node.Additional && !d.AdditionalProps {
		return nil, &UnsupportedError{Dialect: d.Name, Feature: "additional properties"}
	}

	properties := make(map[string]any, len(node.Properties))
	required := make([]string, 0, len(node.Properties))
	order := make([]string, 0, len(node.Properties))

	for _, prop := range node.Properties {
		if prop.Node == nil {
			return nil, fmt.Errorf("property %q missing shape", prop.Name)
		}
		compiled, err := compileNode(prop.Node, d)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", prop.Name, err)
		}
		if !prop.Node.Required {
			markOptional(compiled, d)
		}
		if prop.Node.Required || d.StrictRequired {
			required = append(required, prop.Name)
		}
		properties[prop.Name] = compiled
		order = append(order, prop.Name)
	}

	out := map[string]any{
		"type":       typeName("object", d),
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = toAnySlice(required)
	}
	if node.Additional {
		out["additionalProperties"] = true
	} else if d.CloseObjects {
		out["additionalProperties"] = false
	}
	if d.PropertyOrdering && len(order) > 0 {
		out["propertyOrdering"] = toAnySlice(order)
	}
	describe(out, node)
	return out, nil
}

// markOptional rewrites a compiled property for dialects that keep optional
// members in the required list.
func markOptional(compiled map[string]any, d Dialect) {
	if d.NullableField {
		compiled["nullable"] = true
		return
	}
	if !d.StrictRequired {
		return
	}
	if t, ok := compiled["type"].(string); ok {
		compiled["type"] = []any{t, "null"}
	}
}

func typeName(base string, d Dialect) string {
	if !d.UppercaseTypes {
		return base
	}
	upper := make([]byte, len(base))
	for i := 0; i < len(base); i++ {
		c := base[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	return string(upper)
}

func describe(out map[string]any, node *Node) {
	if node.Description != "" {
		out["description"] = node.Description
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return v
	}
}
