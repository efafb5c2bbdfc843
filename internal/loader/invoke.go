// ABOUTME: Adapts interpreted functions to JSON tool handlers
// ABOUTME: Binds JSON arguments to parameters by name and derives input schemas from the AST

package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"reflect"

	"github.com/2389/grimoire/internal/registry"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// acceptsContext reports whether a context value can be passed as t.
func acceptsContext(t reflect.Type) bool {
	return t == contextType || (t.Kind() == reflect.Interface && contextType.AssignableTo(t) && t.NumMethod() == contextType.NumMethod())
}

// isErrorType reports whether t is the error interface.
func isErrorType(t reflect.Type) bool {
	return t == errorType || (t.Kind() == reflect.Interface && t.String() == "error")
}

// buildTool wraps an interpreted function value as a registry tool.
func (l *Loader) buildTool(serviceID string, d funcDecl, fn reflect.Value) (*registry.Tool, error) {
	ft := fn.Type()

	offset := 0
	if d.takesCtx {
		if ft.NumIn() == 0 || !acceptsContext(ft.In(0)) {
			return nil, fmt.Errorf("%s: first parameter is not context.Context", d.name)
		}
		offset = 1
	}
	if ft.NumIn()-offset != len(d.params) {
		return nil, fmt.Errorf("%s: signature has %d parameters, source declares %d",
			d.name, ft.NumIn()-offset, len(d.params))
	}

	returnsErr := ft.NumOut() > 0 && isErrorType(ft.Out(ft.NumOut()-1))

	schema, err := json.Marshal(inputSchema(d.params))
	if err != nil {
		return nil, fmt.Errorf("%s: building schema: %w", d.name, err)
	}

	logger := l.logger.With("service_id", serviceID, "tool", d.name)
	timeout := l.opts.CallTimeout

	handler := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		args, err := bindArgs(d, ft, offset, input)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if d.takesCtx {
			args = append([]reflect.Value{reflect.ValueOf(callCtx)}, args...)
		}

		type outcome struct {
			out []reflect.Value
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- outcome{err: fmt.Errorf("tool %s panicked: %v", d.name, r)}
				}
			}()
			if d.hasVariadic {
				done <- outcome{out: fn.CallSlice(args)}
			} else {
				done <- outcome{out: fn.Call(args)}
			}
		}()

		select {
		case <-callCtx.Done():
			// Interpreted code cannot be preempted; the goroutine finishes on its own.
			logger.Warn("tool call abandoned", "error", callCtx.Err())
			return nil, fmt.Errorf("tool %s: %w", d.name, callCtx.Err())
		case res := <-done:
			if res.err != nil {
				logger.Warn("tool call failed", "error", res.err)
				return nil, res.err
			}
			return encodeResults(res.out, returnsErr)
		}
	}

	return &registry.Tool{
		Name:        d.name,
		Description: d.doc,
		InputSchema: schema,
		Handler:     handler,
	}, nil
}

// bindArgs decodes the JSON arguments object into positional parameter values.
func bindArgs(d funcDecl, ft reflect.Type, offset int, input json.RawMessage) ([]reflect.Value, error) {
	named := map[string]json.RawMessage{}
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &named); err != nil {
			return nil, fmt.Errorf("arguments for %s must be a JSON object: %w", d.name, err)
		}
	}

	args := make([]reflect.Value, 0, len(d.params))
	for idx, p := range d.params {
		pt := ft.In(idx + offset)
		raw, ok := named[p.name]
		if !ok {
			if pt.Kind() == reflect.Pointer || pt.Kind() == reflect.Slice || pt.Kind() == reflect.Map || pt.Kind() == reflect.Interface {
				args = append(args, reflect.Zero(pt))
				continue
			}
			return nil, fmt.Errorf("missing required argument %q for %s", p.name, d.name)
		}
		ptr := reflect.New(pt)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("argument %q for %s: %w", p.name, d.name, err)
		}
		args = append(args, ptr.Elem())
	}
	return args, nil
}

// encodeResults converts return values into a JSON result.
// A trailing non-nil error becomes the call's error.
func encodeResults(out []reflect.Value, returnsErr bool) (json.RawMessage, error) {
	if returnsErr {
		last := out[len(out)-1]
		if !last.IsNil() {
			err, _ := last.Interface().(error)
			if err == nil {
				err = errors.New("tool returned an error")
			}
			return nil, err
		}
		out = out[:len(out)-1]
	}

	switch len(out) {
	case 0:
		return json.RawMessage(`null`), nil
	case 1:
		return marshalResult(out[0].Interface())
	default:
		values := make([]any, len(out))
		for i, v := range out {
			values[i] = v.Interface()
		}
		return marshalResult(values)
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return data, nil
}

// inputSchema derives a JSON Schema object from declared parameters.
// Pointer, slice, map and interface parameters are optional.
func inputSchema(params []param) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		props[p.name] = typeSchema(p.expr)
		if !optionalExpr(p.expr) {
			required = append(required, p.name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func optionalExpr(expr ast.Expr) bool {
	switch e := expr.(type) {
	case *ast.StarExpr, *ast.MapType, *ast.InterfaceType, *ast.Ellipsis:
		return true
	case *ast.ArrayType:
		return e.Len == nil
	case *ast.Ident:
		return e.Name == "any"
	}
	return false
}

func typeSchema(expr ast.Expr) map[string]any {
	switch e := expr.(type) {
	case *ast.Ident:
		switch e.Name {
		case "string":
			return map[string]any{"type": "string"}
		case "bool":
			return map[string]any{"type": "boolean"}
		case "int", "int8", "int16", "int32", "int64",
			"uint", "uint8", "uint16", "uint32", "uint64", "byte", "rune":
			return map[string]any{"type": "integer"}
		case "float32", "float64":
			return map[string]any{"type": "number"}
		case "any":
			return map[string]any{}
		}
		return map[string]any{"type": "object"}
	case *ast.StarExpr:
		return typeSchema(e.X)
	case *ast.ArrayType:
		return map[string]any{"type": "array", "items": typeSchema(e.Elt)}
	case *ast.Ellipsis:
		return map[string]any{"type": "array", "items": typeSchema(e.Elt)}
	case *ast.MapType:
		return map[string]any{"type": "object", "additionalProperties": typeSchema(e.Value)}
	case *ast.InterfaceType:
		return map[string]any{}
	case *ast.SelectorExpr:
		if pkg, ok := e.X.(*ast.Ident); ok && pkg.Name == "time" && e.Sel.Name == "Time" {
			return map[string]any{"type": "string", "format": "date-time"}
		}
	}
	return map[string]any{"type": "object"}
}
