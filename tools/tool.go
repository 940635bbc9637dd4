// Package tools provides tool definition, registration, and the invocation
// runtime that turns model tool requests into results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/schema"
)

// Func is the callable behind a tool. Args have already been checked against
// the declared parameters when the runtime dispatches the call.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a concrete core.ToolHandle built from a name, a parameter shape,
// and a callable.
type Tool struct {
	name        string
	description string
	params      *schema.Node
	mode        core.ExecMode
	fn          Func
}

// Option mutates a Tool during construction.
type Option func(*Tool)

// WithMode sets the dispatch mode. Tools default to core.ExecSync.
func WithMode(mode core.ExecMode) Option {
	return func(t *Tool) { t.mode = mode }
}

// New constructs a tool. The params node describes the argument object the
// model fills in; nil means the tool takes no arguments.
func New(name, description string, params *schema.Node, fn Func, opts ...Option) *Tool {
	if params == nil {
		params = schema.ObjectOf()
	}
	t := &Tool{
		name:        name,
		description: description,
		params:      params,
		mode:        core.ExecSync,
		fn:          fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string             { return t.name }
func (t *Tool) Description() string      { return t.description }
func (t *Tool) Parameters() *schema.Node { return t.params }
func (t *Tool) Mode() core.ExecMode      { return t.mode }

// Call runs the underlying function.
func (t *Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %s has no callable", t.name)
	}
	return t.fn(ctx, args)
}

// NewTyped constructs a tool whose arguments decode into I. The parameter
// shape is derived from I's exported fields; derivation failures panic since
// they are programmer errors caught at startup.
func NewTyped[I any](name, description string, fn func(ctx context.Context, in I) (any, error), opts ...Option) *Tool {
	params, err := schema.DeriveStruct[I]()
	if err != nil {
		panic(fmt.Sprintf("tools: derive parameters for %s: %v", name, err))
	}
	return New(name, description, params, func(ctx context.Context, args map[string]any) (any, error) {
		var in I
		if err := bindArgs(args, &in); err != nil {
			return nil, fmt.Errorf("bind arguments for %s: %w", name, err)
		}
		return fn(ctx, in)
	}, opts...)
}

// ResultWithExtra lets a callable attach vendor-agnostic metadata to its
// result. The runtime unpacks it into the ToolResult's Extra map.
type ResultWithExtra struct {
	Value any
	Extra map[string]any
}

func bindArgs[I any](args map[string]any, target *I) error {
	buf, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	if err := json.Unmarshal(buf, target); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return nil
}
