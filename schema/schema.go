// Package schema defines the portable type description used for structured
// output and tool arguments, plus the per-vendor compilers that turn a
// description into a vendor's JSON Schema dialect.
package schema

// Kind discriminates node variants.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindEnum    Kind = "enum"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindRaw     Kind = "raw"
)

// Node describes one element of a desired JSON shape. Required defaults to
// true; marking a node optional is only meaningful directly inside an object's
// property list. For tool arguments an optional property means the callable
// must tolerate absence; for extraction fields it means the model may omit the
// field (fields that can be absent but are not marked optional risk
// hallucinated values).
type Node struct {
	Kind        Kind
	Description string
	Required    bool

	// Enum
	Values []string

	// Array
	Item *Node

	// Object
	Properties []Property
	Additional bool

	// Raw
	Raw map[string]any
}

// Property is one named member of an object node. Order is preserved through
// compilation.
type Property struct {
	Name string
	Node *Node
}

// Bool describes a boolean value.
func Bool() *Node {
	return &Node{Kind: KindBoolean, Required: true}
}

// Integer describes a whole-number value.
func Integer() *Node {
	return &Node{Kind: KindInteger, Required: true}
}

// Number describes a numeric value.
func Number() *Node {
	return &Node{Kind: KindNumber, Required: true}
}

// String describes a text value.
func String() *Node {
	return &Node{Kind: KindString, Required: true}
}

// Enum describes a string restricted to the given values.
func Enum(values ...string) *Node {
	return &Node{Kind: KindEnum, Values: append([]string(nil), values...), Required: true}
}

// ArrayOf describes an array with the given item shape.
func ArrayOf(item *Node) *Node {
	return &Node{Kind: KindArray, Item: item, Required: true}
}

// ObjectOf describes an object with the given properties, in order.
func ObjectOf(props ...Property) *Node {
	return &Node{Kind: KindObject, Properties: append([]Property(nil), props...), Required: true}
}

// Raw wraps an externally supplied schema fragment that is passed through
// verbatim by dialects that allow it.
func Raw(fragment map[string]any) *Node {
	return &Node{Kind: KindRaw, Raw: fragment, Required: true}
}

// Prop pairs a property name with its shape.
func Prop(name string, node *Node) Property {
	return Property{Name: name, Node: node}
}

// Describe attaches a human-readable description and returns the node.
func (n *Node) Describe(desc string) *Node {
	n.Description = desc
	return n
}

// Optional marks the node as omittable and returns it.
func (n *Node) Optional() *Node {
	n.Required = false
	return n
}

// AllowAdditional permits properties beyond those declared on an object node
// and returns it. Not every vendor dialect can express this.
func (n *Node) AllowAdditional() *Node {
	n.Additional = true
	return n
}

// Prop returns the named property's node, or nil.
func (n *Node) Prop(name string) *Node {
	if n == nil {
		return nil
	}
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Node
		}
	}
	return nil
}
