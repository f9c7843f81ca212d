package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zoff-tech/go-exchange/pkg/schema"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

var (
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrHandlerRequired          = errors.New("handler is required")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
	ErrHandlerNotRegistered     = errors.New("handler not registered")
)

// Handler handles one inbound event. Handlers must tolerate redelivery of the
// same envelope id.
type Handler func(ctx context.Context, env *schema.Envelope) error

// HandlerRegistry stores inbox handlers by event type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

func (r *HandlerRegistry) Register(eventType string, handler Handler) error {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}
	r.handlers[normalizedType] = handler
	return nil
}

// SetFallback installs the handler used for types without a registration.
func (r *HandlerRegistry) SetFallback(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

func (r *HandlerRegistry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[strings.TrimSpace(eventType)]; ok {
		return h, true
	}
	return r.fallback, r.fallback != nil
}

// InboxInvoker executes inbox messages through the handler registered for
// their type. Unknown types fail and eventually dead-letter.
type InboxInvoker struct {
	registry *HandlerRegistry
}

func NewInboxInvoker(registry *HandlerRegistry) *InboxInvoker {
	return &InboxInvoker{registry: registry}
}

func (i *InboxInvoker) Execute(ctx context.Context, msg *store.Message) error {
	handler, ok := i.registry.Lookup(msg.Type)
	if !ok {
		return deliveryError(msg, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, msg.Type))
	}
	if err := handler(ctx, envelopeOf(msg)); err != nil {
		return deliveryError(msg, err)
	}
	return nil
}
