package core

import (
	"context"

	"github.com/parleyai/parley/schema"
)

// ExecMode declares how a tool's callable may be dispatched.
type ExecMode string

const (
	// ExecSync tools run inline on the invoking goroutine.
	ExecSync ExecMode = "sync"
	// ExecAsync tools must run under a concurrent dispatcher; invoking one
	// from a serial path is a configuration error.
	ExecAsync ExecMode = "async"
)

// ToolHandle is implemented by registered tools. Adapters use the metadata to
// compile tool schemas into requests; the invocation runtime uses Call.
type ToolHandle interface {
	Name() string
	Description() string
	Parameters() *schema.Node
	Mode() ExecMode
	Call(ctx context.Context, args map[string]any) (any, error)
}
