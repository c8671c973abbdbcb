package ws

import "context"

// Caller identifies the authenticated subject issuing a command.
type Caller struct {
	UserID   string
	Username string
	Role     string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == "admin" }

// Subject returns the policy subject string for this caller.
func (c Caller) Subject() string { return "user:" + c.UserID }

// Handler processes a single command frame and returns the response data.
type Handler interface {
	Handle(ctx context.Context, caller Caller, frame *Frame) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, caller Caller, frame *Frame) (interface{}, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, caller Caller, frame *Frame) (interface{}, error) {
	return f(ctx, caller, frame)
}

// Dispatcher routes command frames to registered handlers by frame type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a command name. Later registrations replace
// earlier ones; registration happens during startup only.
func (d *Dispatcher) Register(command string, handler Handler) {
	d.handlers[command] = handler
}

// RegisterFunc binds a handler function to a command name.
func (d *Dispatcher) RegisterFunc(command string, handler HandlerFunc) {
	d.handlers[command] = handler
}

// Lookup returns the handler for a command, if any.
func (d *Dispatcher) Lookup(command string) (Handler, bool) {
	h, ok := d.handlers[command]
	return h, ok
}

// Commands returns the registered command names.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}
