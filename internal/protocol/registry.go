package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrHandlerExists   = errors.New("protocol: handler already registered")
	ErrHandlerNil      = errors.New("protocol: handler is nil")
	ErrInvalidName     = errors.New("protocol: invalid command name")
	ErrReservedCommand = errors.New("protocol: reserved command name")
)

// Handler runs one command inside a worker. It may stream text lines
// through srv and must finish with exactly one srv.Respond call, or return
// an error which the server retries or sends as an error response.
type Handler interface {
	Handle(ctx context.Context, params []any, srv *Server) error
}

type HandlerFunc func(ctx context.Context, params []any, srv *Server) error

func (f HandlerFunc) Handle(ctx context.Context, params []any, srv *Server) error {
	return f(ctx, params, srv)
}

// Registry maps exact command names to handlers.
type Registry struct {
	items map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Handler)}
}

func (r *Registry) Register(name string, handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == CommandNoop || name == CommandExit {
		return fmt.Errorf("%w: %q", ErrReservedCommand, name)
	}
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %q", ErrHandlerExists, name)
	}
	r.items[name] = handler
	return nil
}

func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	if fn == nil {
		return ErrHandlerNil
	}
	return r.Register(name, fn)
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	handler, ok := r.items[name]
	return handler, ok
}

// Names returns registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
