package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes the payload of one delivery. Returning true acknowledges
// the message; false requeues it for another attempt. Handlers are called
// concurrently by parallel work-queue consumers and must be safe for that.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) bool
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, payload json.RawMessage) bool

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) bool {
	return f(ctx, payload)
}

// PayloadValidator is implemented by handlers that can reject a payload
// before it is handled. A rejected payload is dropped rather than requeued.
type PayloadValidator interface {
	ValidatePayload(payload json.RawMessage) error
}

// TypedHandler decodes payloads into T before calling its function
type TypedHandler[T any] struct {
	fn func(ctx context.Context, msg T) bool
}

// Typed returns a Handler that decodes each payload into T. Payloads that do
// not decode are dropped.
func Typed[T any](fn func(ctx context.Context, msg T) bool) *TypedHandler[T] {
	return &TypedHandler[T]{fn: fn}
}

// Handle implements Handler
func (h *TypedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) bool {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return h.fn(ctx, msg)
}

// ValidatePayload implements PayloadValidator
func (h *TypedHandler[T]) ValidatePayload(payload json.RawMessage) error {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: cannot decode into %T: %v", ErrMalformedPayload, msg, err)
	}
	return nil
}
