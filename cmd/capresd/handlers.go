package main

import (
	"context"
	"fmt"
	"strings"

	"xdao.co/capres/envelope"
	"xdao.co/capres/invoke"
)

// builtinHandlers maps the handler names a config file may reference to
// their implementations. Real deployments plug domain handlers in here.
var builtinHandlers = map[string]func(c capabilityConfig) (invoke.Handler, invoke.StreamHandler){
	"echo":  func(capabilityConfig) (invoke.Handler, invoke.StreamHandler) { return handleEcho, nil },
	"upper": func(capabilityConfig) (invoke.Handler, invoke.StreamHandler) { return handleUpper, nil },
	"sum":   func(capabilityConfig) (invoke.Handler, invoke.StreamHandler) { return handleSum, nil },
	"count": func(capabilityConfig) (invoke.Handler, invoke.StreamHandler) { return nil, handleCount },
}

// handleEcho returns the "input" argument unchanged.
func handleEcho(_ context.Context, args map[string]envelope.TypedValue) (envelope.TypedValue, error) {
	v, ok := args["input"]
	if !ok {
		return envelope.TypedValue{}, fmt.Errorf("echo: missing input argument")
	}
	return v, nil
}

func handleUpper(_ context.Context, args map[string]envelope.TypedValue) (envelope.TypedValue, error) {
	v, ok := args["input"]
	if !ok || v.Kind != envelope.KindString {
		return envelope.TypedValue{}, fmt.Errorf("upper: string input argument required")
	}
	return envelope.String(strings.ToUpper(v.Str)), nil
}

func handleSum(_ context.Context, args map[string]envelope.TypedValue) (envelope.TypedValue, error) {
	var total int64
	for name, v := range args {
		if v.Kind != envelope.KindInt {
			return envelope.TypedValue{}, fmt.Errorf("sum: argument %q is not an int", name)
		}
		total += v.Int
	}
	return envelope.Int(total), nil
}

// handleCount streams 1..upTo, then the final response carries upTo.
func handleCount(ctx context.Context, args map[string]envelope.TypedValue, emit func(envelope.TypedValue) error) error {
	v, ok := args["upTo"]
	if !ok || v.Kind != envelope.KindInt {
		return fmt.Errorf("count: int upTo argument required")
	}
	for i := int64(1); i <= v.Int; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(envelope.Int(i)); err != nil {
			return err
		}
	}
	return nil
}
