// Package scripthook lets operators configure the protocol machine's
// lifecycle hooks as JavaScript snippets instead of compiled Go
// closures. Each invocation gets its own fresh goja runtime: nothing
// here is expected to survive between invocations, matching how a
// sandboxed single-invocation function would run the snippet exactly
// once.
package scripthook

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/protocol"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// Scripts holds the optional JavaScript source for each lifecycle hook.
// An empty field means "no hook of this kind": the corresponding
// Hook/Override builder returns nil so the protocol machine falls
// through to its default behavior.
type Scripts struct {
	OnConnect   string
	OnSubscribe string
	OnNext      string
	OnComplete  string
	Log         *zap.Logger
}

func (s Scripts) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func setConsole(vm *goja.Runtime, log *zap.Logger, hook string) {
	_ = vm.Set("console", map[string]any{
		"log": func(args ...any) {
			log.Info("scripthook: console.log", zap.String("hook", hook), zap.Any("args", args))
		},
	})
}

// ConnectHook compiles OnConnect into a protocol.ConnectHook. The script
// must define a function onConnect(connectionParams) returning either a
// bool (accept/reject with no ack payload) or an object
// {ok: bool, ackPayload: any}.
func (s Scripts) ConnectHook() protocol.ConnectHook {
	if s.OnConnect == "" {
		return nil
	}
	log := s.logger()
	return func(ctx context.Context, cc *ctxstore.Context, connectionParams any) (any, bool, error) {
		vm := goja.New()
		setConsole(vm, log, "onConnect")
		if _, err := vm.RunString(s.OnConnect); err != nil {
			return nil, false, fmt.Errorf("scripthook: onConnect script error: %w", err)
		}
		fn, ok := goja.AssertFunction(vm.Get("onConnect"))
		if !ok {
			return nil, false, fmt.Errorf("scripthook: onConnect script must define function onConnect(connectionParams)")
		}
		result, err := fn(goja.Undefined(), vm.ToValue(connectionParams))
		if err != nil {
			return nil, false, fmt.Errorf("scripthook: onConnect script failed: %w", err)
		}
		return decodeConnectResult(result.Export())
	}
}

func decodeConnectResult(exported any) (any, bool, error) {
	switch val := exported.(type) {
	case bool:
		return nil, val, nil
	case nil:
		return nil, true, nil
	case map[string]any:
		ok := true
		if v, present := val["ok"]; present {
			b, _ := v.(bool)
			ok = b
		}
		return val["ackPayload"], ok, nil
	default:
		return nil, false, fmt.Errorf("scripthook: onConnect must return bool or {ok, ackPayload}, got %T", exported)
	}
}

// SubscribeHook compiles OnSubscribe into a protocol.SubscribeHook. The
// script must define onSubscribe(id, payload) returning null/undefined
// to fall through to the default execution path, {errors: [...]} to
// emit an error and stop, or {query, operationName, variables,
// rootValue, contextValue} to override the execution arguments.
func (s Scripts) SubscribeHook() protocol.SubscribeHook {
	if s.OnSubscribe == "" {
		return nil
	}
	log := s.logger()
	return func(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any) (*protocol.SubscribeOverride, []wire.GraphQLError, error) {
		vm := goja.New()
		setConsole(vm, log, "onSubscribe")
		if _, err := vm.RunString(s.OnSubscribe); err != nil {
			return nil, nil, fmt.Errorf("scripthook: onSubscribe script error: %w", err)
		}
		fn, ok := goja.AssertFunction(vm.Get("onSubscribe"))
		if !ok {
			return nil, nil, fmt.Errorf("scripthook: onSubscribe script must define function onSubscribe(id, payload)")
		}
		result, err := fn(goja.Undefined(), vm.ToValue(id), vm.ToValue(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("scripthook: onSubscribe script failed: %w", err)
		}
		return decodeSubscribeResult(result.Export())
	}
}

func decodeSubscribeResult(exported any) (*protocol.SubscribeOverride, []wire.GraphQLError, error) {
	if exported == nil {
		return nil, nil, nil
	}
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("scripthook: onSubscribe must return null or an object, got %T", exported)
	}
	if rawErrors, present := m["errors"]; present {
		list, _ := rawErrors.([]any)
		errs := make([]wire.GraphQLError, 0, len(list))
		for _, item := range list {
			if em, ok := item.(map[string]any); ok {
				msg, _ := em["message"].(string)
				errs = append(errs, wire.GraphQLError{Message: msg})
			}
		}
		return nil, errs, nil
	}

	query, _ := m["query"].(string)
	if query == "" {
		return nil, nil, nil
	}
	operationName, _ := m["operationName"].(string)
	variables, _ := m["variables"].(map[string]any)

	return &protocol.SubscribeOverride{
		Query:         query,
		OperationName: operationName,
		Variables:     variables,
		RootValue:     m["rootValue"],
		ContextValue:  m["contextValue"],
	}, nil, nil
}

// EmitterHooks compiles OnNext/OnComplete into protocol.EmitterHooks
// entries. Each script, when configured, must define a function of the
// matching name: onNext(id, result) returning a reshaped payload,
// onComplete(id, payload, notifyClient) returning nothing.
func (s Scripts) EmitterHooks() protocol.EmitterHooks {
	var hooks protocol.EmitterHooks
	log := s.logger()

	if s.OnNext != "" {
		script := s.OnNext
		hooks.OnNext = func(ctx context.Context, cc *ctxstore.Context, id string, result wire.ExecutionResult) (any, error) {
			vm := goja.New()
			setConsole(vm, log, "onNext")
			if _, err := vm.RunString(script); err != nil {
				return nil, fmt.Errorf("scripthook: onNext script error: %w", err)
			}
			fn, ok := goja.AssertFunction(vm.Get("onNext"))
			if !ok {
				return nil, fmt.Errorf("scripthook: onNext script must define function onNext(id, result)")
			}
			value, err := fn(goja.Undefined(), vm.ToValue(id), vm.ToValue(result))
			if err != nil {
				return nil, fmt.Errorf("scripthook: onNext script failed: %w", err)
			}
			return value.Export(), nil
		}
	}

	if s.OnComplete != "" {
		script := s.OnComplete
		hooks.OnComplete = func(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any, notifyClient bool) error {
			vm := goja.New()
			setConsole(vm, log, "onComplete")
			if _, err := vm.RunString(script); err != nil {
				return fmt.Errorf("scripthook: onComplete script error: %w", err)
			}
			fn, ok := goja.AssertFunction(vm.Get("onComplete"))
			if !ok {
				return fmt.Errorf("scripthook: onComplete script must define function onComplete(id, payload, notifyClient)")
			}
			if _, err := fn(goja.Undefined(), vm.ToValue(id), vm.ToValue(payload), vm.ToValue(notifyClient)); err != nil {
				return fmt.Errorf("scripthook: onComplete script failed: %w", err)
			}
			return nil
		}
	}

	return hooks
}
