package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/schema"
)

// Invoker dispatches tool requests. The zero mode is serial: requests run in
// order on the calling goroutine and async tools are refused. The concurrent
// mode fans requests out while preserving result order.
type Invoker struct {
	registry    *Registry
	concurrent  bool
	maxParallel int
	timeout     time.Duration
}

// InvokerOption mutates an Invoker during construction.
type InvokerOption func(*Invoker)

// Concurrent enables fan-out dispatch with at most parallel calls in flight.
func Concurrent(parallel int) InvokerOption {
	return func(inv *Invoker) {
		inv.concurrent = true
		if parallel > 0 {
			inv.maxParallel = parallel
		}
	}
}

// WithTimeout bounds each tool call. Zero means no per-call deadline.
func WithTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) { inv.timeout = d }
}

// NewInvoker constructs an Invoker over the registry. The registry may be nil
// when every request carries its own handle.
func NewInvoker(registry *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{registry: registry, maxParallel: 8}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs one tool request and always produces a result: unknown tools,
// argument mismatches, callable errors, and panics are all reported through
// the result's Error field so the conversation can continue.
func (inv *Invoker) Invoke(ctx context.Context, req core.ToolRequest) core.ToolResult {
	handle, ok := inv.resolve(req)
	if !ok {
		return core.ToolResult{ID: req.ID, Error: core.UnknownToolMessage}
	}
	if err := checkArgs(handle.Parameters(), req.Args); err != "" {
		return core.ToolResult{ID: req.ID, Error: err}
	}

	callCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	value, err := safeCall(callCtx, handle, req.Args)
	if err != nil {
		return core.ToolResult{ID: req.ID, Error: err.Error()}
	}
	if rich, ok := value.(ResultWithExtra); ok {
		return core.ToolResult{ID: req.ID, Value: rich.Value, Extra: rich.Extra}
	}
	return core.ToolResult{ID: req.ID, Value: value}
}

// InvokeAll runs a batch of requests and returns results in request order.
// The only error condition is dispatching an async tool on a serial invoker;
// every other failure is carried inside the corresponding result.
func (inv *Invoker) InvokeAll(ctx context.Context, reqs []core.ToolRequest) ([]core.ToolResult, error) {
	if !inv.concurrent {
		for _, req := range reqs {
			if handle, ok := inv.resolve(req); ok && handle.Mode() == core.ExecAsync {
				return nil, core.NewError(core.ErrToolModeMismatch,
					fmt.Sprintf("tool %s requires concurrent invocation", handle.Name()))
			}
		}
		results := make([]core.ToolResult, len(reqs))
		for i, req := range reqs {
			results[i] = inv.Invoke(ctx, req)
		}
		return results, nil
	}

	results := make([]core.ToolResult, len(reqs))
	sem := make(chan struct{}, inv.maxParallel)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, req core.ToolRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = inv.Invoke(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results, nil
}

func (inv *Invoker) resolve(req core.ToolRequest) (core.ToolHandle, bool) {
	if req.Tool != nil {
		return req.Tool, true
	}
	if inv.registry == nil {
		return nil, false
	}
	return inv.registry.Lookup(req.Name)
}

// checkArgs validates supplied arguments against the declared parameter
// object. Returns the combined problem description, or "" when the call is
// well formed. Nodes other than objects, and nil nodes, are not checked.
func checkArgs(params *schema.Node, args map[string]any) string {
	if params == nil || params.Kind != schema.KindObject {
		return ""
	}
	var problems []string
	if !params.Additional {
		var unused []string
		for name := range args {
			if params.Prop(name) == nil {
				unused = append(unused, name)
			}
		}
		sort.Strings(unused)
		for _, name := range unused {
			problems = append(problems, fmt.Sprintf("unused argument %q", name))
		}
	}
	for _, p := range params.Properties {
		if p.Node == nil {
			continue
		}
		value, present := args[p.Name]
		if !present {
			if p.Node.Required {
				problems = append(problems, fmt.Sprintf("missing argument %q", p.Name))
			}
			continue
		}
		if _, err := schema.Decode(p.Node, value); err != nil {
			problems = append(problems, fmt.Sprintf("argument %q: %v", p.Name, err))
		}
	}
	return strings.Join(problems, "; ")
}

func safeCall(ctx context.Context, handle core.ToolHandle, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", handle.Name(), r)
		}
	}()
	return handle.Call(ctx, args)
}
