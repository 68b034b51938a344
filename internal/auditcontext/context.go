// Package auditcontext carries request-scoped attribution through the engine so
// audit entries and log lines can name who acted, on whose behalf and in which batch.
package auditcontext

import (
	"context"
	"strings"
)

type actorKey struct{}
type requestIDKey struct{}
type batchIDKey struct{}
type tenantIDKey struct{}

type Actor struct {
	Type string
	ID   string
}

const (
	ActorTypeUser   = "USER"
	ActorTypeAPIKey = "API_KEY"
	ActorTypeSystem = "SYSTEM"
)

// WithActor records who initiated the operation.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, Actor{
		Type: strings.ToUpper(strings.TrimSpace(actorType)),
		ID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	if !ok {
		return "", ""
	}
	return actor.Type, actor.ID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithBatchID tags every operation of a bulk request with the same batch id.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, strings.TrimSpace(batchID))
}

func BatchIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(batchIDKey{}).(string)
	return value
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, strings.TrimSpace(tenantID))
}

func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(tenantIDKey{}).(string)
	return value
}
