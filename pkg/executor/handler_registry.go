package executor

import "strings"

// HandlerRegistry resolves a tool_name to its Handler implementation by
// splitting on the dotted domain.method name: domain is the
// first segment, method is the remaining segments joined with "_" (so
// "os.create_task" dispatches to domain "os", method "create_task").
type HandlerRegistry struct {
	handlers map[string]map[string]Handler
}

// NewHandlerRegistry returns an empty registry ready for Register calls.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]map[string]Handler)}
}

// Register binds a handler to a (domain, method) pair.
func (r *HandlerRegistry) Register(domain, method string, h Handler) {
	if r.handlers[domain] == nil {
		r.handlers[domain] = make(map[string]Handler)
	}
	r.handlers[domain][method] = h
}

// Lookup derives (domain, method) from a dotted tool name and returns the
// bound handler, or ok=false if nothing is registered. unknown_tool covers
// both "not in registry" and "no handler dispatchable".
func (r *HandlerRegistry) Lookup(toolName string) (Handler, bool) {
	domain, method := splitToolName(toolName)
	byMethod, ok := r.handlers[domain]
	if !ok {
		return nil, false
	}
	h, ok := byMethod[method]
	return h, ok
}

func splitToolName(toolName string) (domain, method string) {
	parts := strings.Split(toolName, ".")
	if len(parts) < 2 {
		return toolName, ""
	}
	return parts[0], strings.Join(parts[1:], "_")
}
