package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/parleyai/parley/core"
)

// Registry holds the tools a conversation may call. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]core.ToolHandle
}

// NewRegistry constructs an empty registry, registering any provided handles.
// Registration errors at construction panic; use Register to handle them.
func NewRegistry(handles ...core.ToolHandle) *Registry {
	r := &Registry{tools: make(map[string]core.ToolHandle)}
	if err := r.Register(handles...); err != nil {
		panic(fmt.Sprintf("tools: %v", err))
	}
	return r
}

// Register adds handles to the registry. A handle with an empty name or a
// name already registered is rejected.
func (r *Registry) Register(handles ...core.ToolHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, handle := range handles {
		if handle == nil {
			return fmt.Errorf("register nil tool")
		}
		name := handle.Name()
		if name == "" {
			return fmt.Errorf("register tool with empty name")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %q already registered", name)
		}
		r.tools[name] = handle
	}
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (core.ToolHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.tools[name]
	return handle, ok
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handles lists registered tools in name order, suitable for attaching to a
// request.
func (r *Registry) Handles() []core.ToolHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	handles := make([]core.ToolHandle, 0, len(names))
	for _, name := range names {
		handles = append(handles, r.tools[name])
	}
	return handles
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
