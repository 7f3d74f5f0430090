package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
)

var (
	ErrHandlerRequired          = errors.New("handlers: handler is required")
	ErrHandlerAlreadyRegistered = errors.New("handlers: handler already registered")
)

// Handler reacts to one OrderCreated event. Handle must be idempotent per
// orderId: the same event can be delivered any number of times.
type Handler interface {
	Name() string
	Supports(e events.OrderCreated) bool
	Handle(ctx context.Context, e events.OrderCreated) error
}

// Registry keeps handlers in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	names    map[string]struct{}
}

func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{names: map[string]struct{}{}}
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, h.Name())
	}
	r.names[h.Name()] = struct{}{}
	r.handlers = append(r.handlers, h)
	return nil
}

// Handlers returns a snapshot in registration order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}
