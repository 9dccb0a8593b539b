package router

import (
	"fmt"
	"sort"
	"strings"
)

// Controller maps method names to handlers
type Controller map[string]HandlerFunc

// HandlerTable resolves "Name@method" references to handlers. It is built
// once at startup so an unknown reference fails registration, not a request.
type HandlerTable struct {
	controllers map[string]Controller
}

// NewHandlerTable creates an empty handler table
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{controllers: make(map[string]Controller)}
}

// Register adds or extends the named controller
func (t *HandlerTable) Register(name string, methods Controller) *HandlerTable {
	c, ok := t.controllers[name]
	if !ok {
		c = make(Controller, len(methods))
		t.controllers[name] = c
	}
	for method, h := range methods {
		c[method] = h
	}
	return t
}

// Resolve looks up a "Name@method" reference
func (t *HandlerTable) Resolve(ref string) (HandlerFunc, error) {
	name, method, ok := strings.Cut(ref, "@")
	if !ok || name == "" || method == "" {
		return nil, fmt.Errorf("%w: malformed reference %q, want Name@method", ErrHandlerNotFound, ref)
	}
	c, ok := t.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown controller %q", ErrHandlerNotFound, name)
	}
	h, ok := c[method]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrHandlerNotFound, name, method)
	}
	return h, nil
}

// Refs lists every registered reference in sorted order
func (t *HandlerTable) Refs() []string {
	var refs []string
	for name, c := range t.controllers {
		for method := range c {
			refs = append(refs, name+"@"+method)
		}
	}
	sort.Strings(refs)
	return refs
}
