package data

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying the id of the request being served.
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or uuid.Nil.
func RequestID(ctx context.Context) uuid.UUID {
	id, ok := ctx.Value(requestIDKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
