//go:build v8

package compiler

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/polestar"
)

// V8 is a polestar.SourceCompiler backed by a single tommie/v8go isolate
// and context, the alternate cgo engine selected with the v8 build tag in
// place of modernc.org/quickjs.
type V8 struct {
	mu     sync.Mutex
	iso    *v8.Isolate
	ctx    *v8.Context
	nextID atomic.Int64
}

// New creates a V8 compiler with a fresh isolate and context.
func New() (*V8, error) {
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	return &V8{iso: iso, ctx: ctx}, nil
}

// Close releases the context and isolate.
func (c *V8) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Close()
	c.iso.Dispose()
}

// Compile wraps code in a function expression parameterized by names and
// installs it as a uniquely-named global.
func (c *V8) Compile(names []string, code string) (polestar.CompiledFunction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	fnVar := fmt.Sprintf("__polestar_fn_%d", id)
	wrapped := fmt.Sprintf("globalThis[%q] = (function(%s) {\n%s\n});", fnVar, strings.Join(names, ", "), code)

	if _, err := c.ctx.RunScript(wrapped, "module.js"); err != nil {
		return nil, fmt.Errorf("compiler: compiling module body: %w", err)
	}

	return &v8Function{c: c, fnVar: fnVar}, nil
}

// v8Function is a polestar.CompiledFunction bound to a global in a V8
// compiler's context.
type v8Function struct {
	c     *V8
	fnVar string
}

// Invoke calls the compiled function with receiver as `this` and args
// positionally bound to the names given at Compile time, staging each
// argument through a scratch global the same way the quickjs backend does.
func (f *v8Function) Invoke(receiver any, args ...any) (any, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	iso, ctx := f.c.iso, f.c.ctx

	id := f.c.nextID.Add(1)
	var cleanup []string
	defer func() {
		for _, name := range cleanup {
			_, _ = ctx.RunScript(fmt.Sprintf("delete globalThis[%q];", name), "cleanup.js")
		}
	}()

	argExprs := make([]string, 0, len(args))
	for i, a := range args {
		argVar := fmt.Sprintf("__polestar_arg_%d_%d", id, i)
		cleanup = append(cleanup, argVar)

		if nf, ok := asNativeFunc(a); ok {
			if err := bindNativeFunc(iso, ctx, argVar, nf); err != nil {
				return nil, err
			}
		} else if isGoFunc(a) {
			if err := bindGoFunc(iso, ctx, argVar, a); err != nil {
				return nil, err
			}
		} else if err := setGlobalV8(iso, ctx, argVar, a); err != nil {
			return nil, fmt.Errorf("compiler: binding argument %d: %w", i, err)
		}
		argExprs = append(argExprs, "globalThis["+quoteJS(argVar)+"]")
	}

	receiverVar := fmt.Sprintf("__polestar_this_%d", id)
	cleanup = append(cleanup, receiverVar)
	receiverExpr := "undefined"
	if receiver != nil {
		if err := setGlobalV8(iso, ctx, receiverVar, receiver); err != nil {
			return nil, fmt.Errorf("compiler: binding receiver: %w", err)
		}
		receiverExpr = "globalThis[" + quoteJS(receiverVar) + "]"
	}

	call := fmt.Sprintf("globalThis[%q].apply(%s, [%s]);", f.fnVar, receiverExpr, strings.Join(argExprs, ", "))
	val, err := ctx.RunScript(call, "invoke.js")
	if err != nil {
		return nil, err
	}

	return v8ValueToGo(val)
}

// asNativeFunc detects a polestar.CompiledFunction argument so it can be
// re-exposed as a callable global rather than JSON-marshaled.
func asNativeFunc(a any) (func(args ...any) (any, error), bool) {
	type invoker interface {
		Invoke(receiver any, args ...any) (any, error)
	}
	cf, ok := a.(invoker)
	if !ok {
		return nil, false
	}
	return func(args ...any) (any, error) {
		return cf.Invoke(nil, args...)
	}, true
}

// bindNativeFunc registers a Go callback as a V8 function template bound
// to a global name. A non-nil error from the callback is thrown into JS
// as its message string.
func bindNativeFunc(iso *v8.Isolate, ctx *v8.Context, name string, fn func(args ...any) (any, error)) error {
	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := make([]any, 0, len(info.Args()))
		for _, a := range info.Args() {
			args = append(args, v8ArgToGo(a))
		}
		result, err := fn(args...)
		if err != nil {
			errVal, _ := v8.NewValue(iso, err.Error())
			return iso.ThrowException(errVal)
		}
		val, convErr := goValueToV8(iso, result)
		if convErr != nil {
			return nil
		}
		return val
	})
	return ctx.Global().Set(name, ft.GetFunction(ctx))
}

// isGoFunc reports whether a holds a plain Go function value, the shape
// Module.Require and Module.Resolve are: typed funcs rather than
// CompiledFunction implementors, but still callbacks that must cross into
// JS as real functions.
func isGoFunc(a any) bool {
	if a == nil {
		return false
	}
	return reflect.ValueOf(a).Kind() == reflect.Func
}

// bindGoFunc registers an arbitrary typed Go function (e.g. RequireFunc,
// ResolveFunc) as a V8 function template, converting JS call arguments to
// the function's declared parameter types via reflection and, for a
// (T, error) return, throwing instead of handing the error back as a
// second value (mirroring bindNativeFunc's error convention).
func bindGoFunc(iso *v8.Isolate, ctx *v8.Context, name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()

	tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		jsArgs := info.Args()
		callArgs := make([]reflect.Value, 0, len(jsArgs))
		for i, a := range jsArgs {
			var paramType reflect.Type
			switch {
			case ft.IsVariadic() && i >= ft.NumIn()-1:
				paramType = ft.In(ft.NumIn() - 1).Elem()
			case i < ft.NumIn():
				paramType = ft.In(i)
			default:
				continue
			}
			goVal := v8ArgToGo(a)
			rv := reflect.ValueOf(goVal)
			if !rv.IsValid() {
				rv = reflect.Zero(paramType)
			} else if rv.Type() != paramType && rv.Type().ConvertibleTo(paramType) {
				rv = rv.Convert(paramType)
			}
			callArgs = append(callArgs, rv)
		}

		out := fv.Call(callArgs)
		if len(out) == 2 {
			if errVal := out[1].Interface(); errVal != nil {
				err, _ := errVal.(error)
				msg := "callback error"
				if err != nil {
					msg = err.Error()
				}
				errJS, _ := v8.NewValue(iso, msg)
				return iso.ThrowException(errJS)
			}
		}
		if len(out) == 0 {
			return nil
		}
		val, err := goValueToV8(iso, out[0].Interface())
		if err != nil {
			return nil
		}
		return val
	})
	return ctx.Global().Set(name, tmpl.GetFunction(ctx))
}

// v8ArgToGo converts a callback argument into a plain Go value, losing
// fidelity for anything beyond scalars and JSON-shaped objects (functions
// crossing the JS->Go direction are out of scope here — commonjs/UMD
// module bodies never pass callbacks back into require/define).
func v8ArgToGo(v *v8.Value) any {
	switch {
	case v.IsString():
		return v.String()
	case v.IsNumber():
		return v.Number()
	case v.IsBoolean():
		return v.Boolean()
	case v.IsNullOrUndefined():
		return nil
	default:
		return v.String()
	}
}

func v8ValueToGo(v *v8.Value) (any, error) {
	if v == nil || v.IsNullOrUndefined() {
		return nil, nil
	}
	switch {
	case v.IsString():
		return v.String(), nil
	case v.IsNumber():
		return v.Number(), nil
	case v.IsBoolean():
		return v.Boolean(), nil
	default:
		obj, err := v8.JSONStringify(v.Context(), v)
		if err != nil {
			return v.String(), nil
		}
		return obj, nil
	}
}

func goValueToV8(iso *v8.Isolate, val any) (*v8.Value, error) {
	if val == nil {
		return v8.Undefined(iso), nil
	}
	switch v := val.(type) {
	case string:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case int32:
		return v8.NewValue(iso, v)
	case float64:
		return v8.NewValue(iso, v)
	default:
		return v8.NewValue(iso, fmt.Sprint(v))
	}
}

func setGlobalV8(iso *v8.Isolate, ctx *v8.Context, name string, value any) error {
	v, err := goValueToV8(iso, value)
	if err != nil {
		return err
	}
	return ctx.Global().Set(name, v)
}

func quoteJS(s string) string {
	return fmt.Sprintf("%q", s)
}
