package grpcx

import (
	"context"

	"github.com/alshifa-dental/scheduling/libs/httpx"
	"github.com/google/uuid"
)

// RequestIDMetadataKey is the gRPC metadata key for request ids. gRPC metadata keys are lowercase.
const RequestIDMetadataKey = "x-request-id"

// RequestIDFromContext shares storage with httpx so ids survive HTTP to gRPC hops.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return httpx.ContextWithRequestID(ctx, id)
}

func NewRequestID() string {
	return uuid.NewString()
}
