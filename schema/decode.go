package schema

import (
	"encoding/json"
	"fmt"
	"math"
)

// DecodeRaw unmarshals data and decodes it against the node. This is the
// symmetric half of compilation: vendors receive the compiled dialect,
// responses come back through here.
func DecodeRaw(node *Node, data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return Decode(node, value)
}

// Decode validates a parsed JSON value against the node and returns the
// normalized value: integers become int64, objects keep only declared
// properties unless the node allows additional ones.
func Decode(node *Node, value any) (any, error) {
	if node == nil {
		return value, nil
	}
	if value == nil {
		if node.Required {
			return nil, fmt.Errorf("missing value for required %s", node.Kind)
		}
		return nil, nil
	}

	switch node.Kind {
	case KindBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
		return b, nil
	case KindInteger:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
		if math.Trunc(f) != f {
			return nil, fmt.Errorf("expected integer, got %v", f)
		}
		return int64(f), nil
	case KindNumber:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", value)
		}
		return f, nil
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		for _, allowed := range node.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q not in enum", s)
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", value)
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			decoded, err := Decode(node.Item, elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = decoded
		}
		return out, nil
	case KindObject:
		return decodeObject(node, value)
	case KindRaw:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown schema kind %q", node.Kind)
	}
}

func decodeObject(node *Node, value any) (any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", value)
	}
	declared := make(map[string]*Node, len(node.Properties))
	for _, prop := range node.Properties {
		declared[prop.Name] = prop.Node
	}

	out := make(map[string]any, len(obj))
	for name, raw := range obj {
		prop, known := declared[name]
		if !known {
			if !node.Additional {
				return nil, fmt.Errorf("unexpected field %q", name)
			}
			out[name] = raw
			continue
		}
		decoded, err := Decode(prop, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = decoded
	}
	for _, prop := range node.Properties {
		if _, present := obj[prop.Name]; present {
			continue
		}
		if prop.Node != nil && prop.Node.Required {
			return nil, fmt.Errorf("missing required field %q", prop.Name)
		}
	}
	return out, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
