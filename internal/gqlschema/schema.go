// Package gqlschema wraps github.com/graphql-go/graphql to provide the
// three execution paths the protocol state machine needs: standard
// query/mutation execution, validation, and a subscription-field
// override that resolves exactly the root subscription field once,
// synchronously, instead of driving the library's event-stream
// Subscribe iterator.
package gqlschema

import (
	"context"
	"fmt"

	gql "github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// Provider resolves the schema to use for one Subscribe message. A
// static schema is the common case; a callback lets callers pick a
// schema per connection.
type Provider func(ctx context.Context) (*gql.Schema, error)

// Static wraps a single, already-built schema as a Provider.
func Static(schema *gql.Schema) Provider {
	return func(ctx context.Context) (*gql.Schema, error) {
		return schema, nil
	}
}

// RegistrableChannel is the capability object a subscription resolver
// returns instead of an event stream: a set of topics plus a
// registration callback, standing in for a duck-typed {topics, register}
// object in a language with structural typing.
type RegistrableChannel struct {
	Topics   []string
	Register func(ctx context.Context, connectionID, subscriptionID string) error
}

type contextValueKey struct{}

// WithContextValue returns a derived context carrying value so a
// resolver can recover it via ContextValueFrom. graphql-go's
// ResolveParams only exposes a single context.Context, so a
// configured/overridden contextValue rides inside it rather than
// alongside it.
func WithContextValue(ctx context.Context, value any) context.Context {
	if value == nil {
		return ctx
	}
	return context.WithValue(ctx, contextValueKey{}, value)
}

// ContextValueFrom recovers the contextValue a resolver's ctx was built
// with via WithContextValue, if any.
func ContextValueFrom(ctx context.Context) (any, bool) {
	v := ctx.Value(contextValueKey{})
	return v, v != nil
}

// Operation is the parsed, validated request ready for execution.
type Operation struct {
	Schema        *gql.Schema
	Document      *ast.Document
	Definition    *ast.OperationDefinition
	RawQuery      string
	OperationName string
	Variables     map[string]any
	RootValue     any
	ContextValue  any
}

// Kind reports the GraphQL operation kind: "query", "mutation", or
// "subscription".
func (o *Operation) Kind() string {
	if o.Definition == nil {
		return ""
	}
	return o.Definition.GetOperation()
}

// Prepare parses query, selects the named (or sole) operation, and
// validates the document against schema. Validation errors are
// returned as formatted GraphQL errors, not as a Go error, so the
// caller can emit them on the wire and stop.
func Prepare(schema *gql.Schema, query, operationName string, variables map[string]any) (*Operation, []wire.GraphQLError, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: source.NewSource(&source.Source{Body: []byte(query)})})
	if err != nil {
		return nil, nil, fmt.Errorf("gqlschema: parse error: %w", err)
	}

	def, selectErrs := selectOperation(doc, operationName)
	if len(selectErrs) > 0 {
		return nil, selectErrs, nil
	}

	validation := gql.ValidateDocument(schema, doc, nil)
	if !validation.IsValid {
		return nil, formatValidationErrors(validation.Errors), nil
	}

	return &Operation{
		Schema:        schema,
		Document:      doc,
		Definition:    def,
		RawQuery:      query,
		OperationName: operationName,
		Variables:     variables,
	}, nil, nil
}

func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, []wire.GraphQLError) {
	var found *ast.OperationDefinition
	count := 0
	for _, d := range doc.Definitions {
		opDef, ok := d.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		count++
		name := ""
		if opDef.Name != nil {
			name = opDef.Name.Value
		}
		if operationName != "" {
			if name == operationName {
				found = opDef
			}
			continue
		}
		found = opDef
	}
	if found == nil {
		return nil, []wire.GraphQLError{{Message: "Unable to identify operation"}}
	}
	if operationName == "" && count > 1 {
		return nil, []wire.GraphQLError{{Message: "must provide operation name when query has multiple operations"}}
	}
	return found, nil
}

func formatValidationErrors(errs []gql.FormattedError) []wire.GraphQLError {
	out := make([]wire.GraphQLError, len(errs))
	for i, e := range errs {
		out[i] = wire.GraphQLError{Message: e.Message}
	}
	return out
}

// Execute runs a query or mutation operation through graphql-go's
// standard executor.
func Execute(ctx context.Context, op *Operation) wire.ExecutionResult {
	result := gql.Do(gql.Params{
		Schema:         *op.Schema,
		RequestString:  op.RawQuery,
		VariableValues: op.Variables,
		OperationName:  op.OperationName,
		RootObject:     rootAsMap(op.RootValue),
		Context:        WithContextValue(ctx, op.ContextValue),
	})
	return toExecutionResult(result)
}

func rootAsMap(root any) map[string]any {
	if root == nil {
		return nil
	}
	if m, ok := root.(map[string]any); ok {
		return m
	}
	return map[string]any{"_root": root}
}

func toExecutionResult(result *gql.Result) wire.ExecutionResult {
	er := wire.ExecutionResult{Data: result.Data}
	if len(result.Errors) > 0 {
		er.Errors = make([]wire.GraphQLError, len(result.Errors))
		for i, e := range result.Errors {
			er.Errors[i] = wire.GraphQLError{Message: e.Message}
		}
	}
	return er
}
