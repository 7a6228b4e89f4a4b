package gqlschema

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/subscriptionstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// SubscriptionPayloadStore is the narrow capability Executor needs to
// recover the stored subscribe payload for a re-execution.
type SubscriptionPayloadStore interface {
	LoadRaw(ctx context.Context, subscriptionID string) (string, error)
}

// Executor implements fanout.SchemaExecutor: for each publish event, it
// re-executes the subscriber's stored GraphQL operation with
// rootValue set to the published payload, letting resolvers shape
// per-subscription data. The re-execution runs with an empty
// contextValue rather than reconstructing the subscribe-time context,
// since nothing in the stored record captures it.
type Executor struct {
	provider Provider
	payloads SubscriptionPayloadStore
	log      *zap.Logger
}

// NewExecutor constructs a schema-aware republish Executor.
func NewExecutor(provider Provider, payloads SubscriptionPayloadStore, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{provider: provider, payloads: payloads, log: log}
}

// ExecuteSubscriptionEvent re-runs subscriptionID's stored operation
// with rootValue, returning the shaped execution result.
func (e *Executor) ExecuteSubscriptionEvent(ctx context.Context, subscriptionID string, rootValue any) (wire.ExecutionResult, error) {
	raw, err := e.payloads.LoadRaw(ctx, subscriptionID)
	if err != nil {
		if err == subscriptionstore.ErrNotFound {
			return wire.ExecutionResult{}, fmt.Errorf("gqlschema: no stored payload for subscription %s: %w", subscriptionID, err)
		}
		return wire.ExecutionResult{}, err
	}
	// Peek operationName for the log line without paying for the full
	// struct decode below.
	e.log.Debug("gqlschema: re-executing stored operation for publish event",
		zap.String("subscriptionId", subscriptionID),
		zap.String("operationName", gjson.Get(raw, "operationName").String()))

	var record map[string]any
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return wire.ExecutionResult{}, err
	}

	query, _ := record["query"].(string)
	operationName, _ := record["operationName"].(string)
	variables, _ := record["variables"].(map[string]any)

	schema, err := e.provider(ctx)
	if err != nil {
		return wire.ExecutionResult{}, err
	}

	op, validationErrors, err := Prepare(schema, query, operationName, variables)
	if err != nil {
		return wire.ExecutionResult{}, err
	}
	if len(validationErrors) > 0 {
		return wire.ExecutionResult{Errors: validationErrors}, nil
	}
	op.RootValue = rootValue
	op.ContextValue = map[string]any{}

	return Execute(ctx, op), nil
}
