package gqlschema

import (
	"context"
	"fmt"

	gql "github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// ResolveSubscriptionField resolves exactly the root subscription field
// once, synchronously, instead of driving graphql-go's event-stream
// Subscribe iterator: a traditional subscribe resolver returns an
// infinite lazy sequence; here it must return either a RegistrableChannel
// or a single immediate result.
//
// The return value is one of: *RegistrableChannel, or any other value
// to be treated as a single immediate result.
func ResolveSubscriptionField(ctx context.Context, op *Operation) (any, []wire.GraphQLError, error) {
	subscriptionType := op.Schema.SubscriptionType()
	if subscriptionType == nil {
		return nil, []wire.GraphQLError{{Message: "schema has no subscription type"}}, nil
	}

	rootField, err := rootSelectionField(op.Definition)
	if err != nil {
		return nil, []wire.GraphQLError{{Message: err.Error()}}, nil
	}

	fieldName := rootField.Name.Value
	fieldDef, ok := subscriptionType.Fields()[fieldName]
	if !ok {
		return nil, []wire.GraphQLError{{Message: fmt.Sprintf("unknown subscription field %q", fieldName)}}, nil
	}

	// graphql-go's own subscription support (graphql.Subscribe) expects
	// a field's Resolve function to return an event-stream channel that
	// it then iterates forever. This adapter does the opposite: it
	// calls Resolve exactly once and treats its return value as the
	// entire result; it is never looped over graphql.Subscribe's
	// channel-draining loop.
	resolveFn := fieldDef.Resolve
	if resolveFn == nil {
		return nil, []wire.GraphQLError{{Message: fmt.Sprintf("subscription field %q has no resolver", fieldName)}}, nil
	}

	args := argumentValues(fieldDef.Args, rootField.Arguments, op.Variables)

	params := gql.ResolveParams{
		Source:  op.RootValue,
		Args:    args,
		Context: WithContextValue(ctx, op.ContextValue),
		Info: gql.ResolveInfo{
			FieldName:      fieldName,
			FieldASTs:      []*ast.Field{rootField},
			ReturnType:     fieldDef.Type,
			ParentType:     subscriptionType,
			Schema:         *op.Schema,
			Operation:      op.Definition,
			VariableValues: op.Variables,
			RootValue:      op.RootValue,
		},
	}

	// Any panic/error from a misbehaving resolver is re-raised to the
	// caller (the protocol machine closes 4400 and re-raises to the
	// host).
	value, err := resolveFn(params)
	if err != nil {
		return nil, nil, err
	}
	return value, nil, nil
}

func rootSelectionField(def *ast.OperationDefinition) (*ast.Field, error) {
	if def.SelectionSet == nil || len(def.SelectionSet.Selections) == 0 {
		return nil, fmt.Errorf("unable to identify operation")
	}
	field, ok := def.SelectionSet.Selections[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("unable to identify operation")
	}
	return field, nil
}

// argumentValues coerces a field's AST arguments into a Go map,
// substituting variable references from variableValues. Named after
// and grounded on the same "coerce AST argument list against variables"
// step graphql-go's own executor performs before calling Resolve; it is
// reimplemented here directly rather than reaching into the library's
// unexported executor internals.
func argumentValues(argDefs []*gql.Argument, argASTs []*ast.Argument, variableValues map[string]any) map[string]any {
	values := make(map[string]any, len(argDefs))
	for _, argDef := range argDefs {
		values[argDef.Name()] = argDef.DefaultValue
	}
	for _, argAST := range argASTs {
		if argAST.Name == nil {
			continue
		}
		values[argAST.Name.Value] = astValueToGo(argAST.Value, variableValues)
	}
	return values
}

func astValueToGo(value ast.Value, variableValues map[string]any) any {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case *ast.Variable:
		if v.Name == nil {
			return nil
		}
		return variableValues[v.Name.Value]
	case *ast.IntValue:
		return v.Value
	case *ast.FloatValue:
		return v.Value
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.NullValue:
		return nil
	case *ast.ListValue:
		out := make([]any, len(v.Values))
		for i, item := range v.Values {
			out[i] = astValueToGo(item, variableValues)
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			if f.Name == nil {
				continue
			}
			out[f.Name.Value] = astValueToGo(f.Value, variableValues)
		}
		return out
	default:
		return nil
	}
}
