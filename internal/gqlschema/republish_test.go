package gqlschema

import (
	"context"
	"testing"

	gql "github.com/graphql-go/graphql"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/subscriptionstore"
)

type fakePayloadStore struct {
	raw map[string]string
}

func (f *fakePayloadStore) LoadRaw(ctx context.Context, subscriptionID string) (string, error) {
	raw, ok := f.raw[subscriptionID]
	if !ok {
		return "", subscriptionstore.ErrNotFound
	}
	return raw, nil
}

func buildRepublishSchema(t *testing.T) *gql.Schema {
	t.Helper()
	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"ping": &gql.Field{Type: gql.String, Resolve: func(p gql.ResolveParams) (any, error) { return "pong", nil }},
		},
	})
	subscriptionType := gql.NewObject(gql.ObjectConfig{
		Name: "Subscription",
		Fields: gql.Fields{
			"messaged": &gql.Field{
				Type: gql.String,
				Resolve: func(p gql.ResolveParams) (any, error) {
					root, _ := p.Info.RootValue.(map[string]any)
					text, _ := root["text"].(string)
					return text, nil
				},
			},
		},
	})
	schema, err := gql.NewSchema(gql.SchemaConfig{Query: queryType, Subscription: subscriptionType})
	if err != nil {
		t.Fatalf("unexpected schema build error: %v", err)
	}
	return &schema
}

func TestExecuteSubscriptionEventReexecutesWithRootValue(t *testing.T) {
	schema := buildRepublishSchema(t)
	payloads := &fakePayloadStore{raw: map[string]string{
		"s1": `{"query":"subscription{messaged}"}`,
	}}
	executor := NewExecutor(Static(schema), payloads, nil)

	result, err := executor.ExecuteSubscriptionEvent(context.Background(), "s1", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["messaged"] != "hello" {
		t.Fatalf("expected messaged=hello, got %v", result.Data)
	}
}

func TestExecuteSubscriptionEventMissingPayload(t *testing.T) {
	schema := buildRepublishSchema(t)
	executor := NewExecutor(Static(schema), &fakePayloadStore{raw: map[string]string{}}, nil)

	if _, err := executor.ExecuteSubscriptionEvent(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected an error for a missing stored payload")
	}
}
