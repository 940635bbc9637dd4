package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// DeriveStruct reflects a Go struct type into an object node. Field names
// follow json tags, omitempty and pointer fields become optional, and
// `description` and `enum` tags annotate the derived shapes. Field order is
// preserved.
func DeriveStruct[T any]() (*Node, error) {
	var zero T
	t := reflect.TypeOf(zero)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t)
	}
	return deriveStruct(t)
}

func deriveStruct(t reflect.Type) (*Node, error) {
	props := make([]Property, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name, opts := parseTag(field.Tag.Get("json"))
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		node, err := deriveType(field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if desc := field.Tag.Get("description"); desc != "" {
			node.Describe(desc)
		}
		if enumTag := field.Tag.Get("enum"); enumTag != "" {
			values := strings.Split(enumTag, ",")
			enum := Enum(values...)
			enum.Description = node.Description
			enum.Required = node.Required
			node = enum
		}
		if opts.contains("omitempty") || field.Type.Kind() == reflect.Pointer {
			node.Optional()
		}
		props = append(props, Prop(name, node))
	}
	return ObjectOf(props...), nil
}

func deriveType(t reflect.Type) (*Node, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "time" && t.Name() == "Time" {
		return String(), nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Integer(), nil
	case reflect.Float32, reflect.Float64:
		return Number(), nil
	case reflect.String:
		return String(), nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return String(), nil
		}
		item, err := deriveType(t.Elem())
		if err != nil {
			return nil, err
		}
		return ArrayOf(item), nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", t.Key().Kind())
		}
		return ObjectOf().AllowAdditional(), nil
	case reflect.Struct:
		return deriveStruct(t)
	default:
		return nil, fmt.Errorf("unsupported type %s", t.Kind())
	}
}

type tagOptions []string

func parseTag(tag string) (string, tagOptions) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	return parts[0], tagOptions(parts[1:])
}

func (o tagOptions) contains(opt string) bool {
	for _, v := range o {
		if v == opt {
			return true
		}
	}
	return false
}
