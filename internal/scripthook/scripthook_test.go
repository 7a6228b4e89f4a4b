package scripthook

import (
	"context"
	"testing"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

func TestConnectHookAcceptsWithAckPayload(t *testing.T) {
	scripts := Scripts{OnConnect: `function onConnect(params) { return {ok: true, ackPayload: {greeting: "hi " + params.name}}; }`}
	cc := ctxstore.NewDefault("A")

	ack, ok, err := scripts.ConnectHook()(context.Background(), cc, map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected hook to accept the connection")
	}
	payload, _ := ack.(map[string]any)
	if payload["greeting"] != "hi bob" {
		t.Fatalf("expected greeting in ack payload, got %v", ack)
	}
}

func TestConnectHookRejectsBooleanFalse(t *testing.T) {
	scripts := Scripts{OnConnect: `function onConnect(params) { return false; }`}
	cc := ctxstore.NewDefault("A")

	_, ok, err := scripts.ConnectHook()(context.Background(), cc, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected hook to reject the connection")
	}
}

func TestSubscribeHookProducesOverride(t *testing.T) {
	scripts := Scripts{OnSubscribe: `function onSubscribe(id, payload) { return {query: "subscription{messaged}"}; }`}
	cc := ctxstore.NewDefault("A")

	override, errs, err := scripts.SubscribeHook()(context.Background(), cc, "s1", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if override == nil || override.Query != "subscription{messaged}" {
		t.Fatalf("expected override with query, got %+v", override)
	}
}

func TestSubscribeHookFallsThroughOnNull(t *testing.T) {
	scripts := Scripts{OnSubscribe: `function onSubscribe(id, payload) { return null; }`}
	cc := ctxstore.NewDefault("A")

	override, errs, err := scripts.SubscribeHook()(context.Background(), cc, "s1", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if override != nil || errs != nil {
		t.Fatalf("expected a fall-through with no override and no errors, got override=%+v errs=%v", override, errs)
	}
}

func TestEmitterHooksOnNextReshapesResult(t *testing.T) {
	scripts := Scripts{OnNext: `function onNext(id, result) { return {wrapped: result.data}; }`}
	cc := ctxstore.NewDefault("A")

	hooks := scripts.EmitterHooks()
	reshaped, err := hooks.OnNext(context.Background(), cc, "s1", wire.ExecutionResult{Data: map[string]any{"messaged": "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, _ := reshaped.(map[string]any)
	if m == nil {
		t.Fatalf("expected a map result, got %v", reshaped)
	}
}
