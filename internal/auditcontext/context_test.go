package auditcontext

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), " user ", " u_123 ")
	actorType, actorID := ActorFromContext(ctx)
	if actorType != ActorTypeUser || actorID != "u_123" {
		t.Fatalf("unexpected actor %q/%q", actorType, actorID)
	}
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	if actorType, actorID := ActorFromContext(ctx); actorType != "" || actorID != "" {
		t.Fatalf("expected empty actor")
	}
	if RequestIDFromContext(ctx) != "" || BatchIDFromContext(ctx) != "" || TenantIDFromContext(ctx) != "" {
		t.Fatalf("expected empty values")
	}
	ctx = WithBatchID(WithRequestID(ctx, "req-1"), "01J0000000000000000000000")
	if RequestIDFromContext(ctx) != "req-1" {
		t.Fatalf("request id not stored")
	}
	if BatchIDFromContext(ctx) == "" {
		t.Fatalf("batch id not stored")
	}
}
