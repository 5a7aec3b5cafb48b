//go:build !v8

// Package compiler provides polestar.SourceCompiler backends. This file is
// the default, pure-Go backend built on modernc.org/quickjs; see
// v8_compiler.go (behind the v8 build tag) for the cgo/V8 alternative.
package compiler

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"modernc.org/quickjs"

	"github.com/cryguy/polestar"
)

// QuickJS is a polestar.SourceCompiler backed by a single long-lived
// quickjs.VM. Every compiled function lives as a named global in that VM's
// global object for the lifetime of the Compiler; Invoke binds arguments
// through further named globals rather than attempting true JS object
// handles across calls, a globalThis-scratch-variable convention used
// elsewhere in this codebase to cross the Go/JS boundary.
type QuickJS struct {
	mu     sync.Mutex
	vm     *quickjs.VM
	nextID atomic.Int64
}

// New creates a QuickJS compiler with a fresh VM.
func New() (*QuickJS, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("compiler: creating quickjs VM: %w", err)
	}
	return &QuickJS{vm: vm}, nil
}

// Close releases the underlying VM.
func (c *QuickJS) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vm.Close()
}

// Compile wraps code in a function expression parameterized by names and
// installs it as a uniquely-named global.
func (c *QuickJS) Compile(names []string, code string) (polestar.CompiledFunction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	fnVar := fmt.Sprintf("__polestar_fn_%d", id)
	wrapped := fmt.Sprintf("globalThis[%q] = (function(%s) {\n%s\n});", fnVar, strings.Join(names, ", "), code)

	if err := evalDiscard(c.vm, wrapped); err != nil {
		return nil, fmt.Errorf("compiler: compiling module body: %w", err)
	}

	return &qjsFunction{c: c, fnVar: fnVar}, nil
}

// qjsFunction is a polestar.CompiledFunction bound to a global in a
// QuickJS compiler's VM.
type qjsFunction struct {
	c     *QuickJS
	fnVar string
}

// Invoke calls the compiled function with receiver as `this` and args
// positionally bound to the names given at Compile time. Each argument is
// staged through its own scratch global: plain values via setGlobal's
// auto-conversion, and nativeFunc callbacks via a wrapped RegisterFunc the
// same way registerGoFunc bridges Go functions into QuickJS elsewhere in
// this codebase.
func (f *qjsFunction) Invoke(receiver any, args ...any) (any, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	vm := f.c.vm

	id := f.c.nextID.Add(1)
	var cleanup []string
	defer func() {
		for _, name := range cleanup {
			_ = evalDiscard(vm, fmt.Sprintf("delete globalThis[%q];", name))
		}
	}()

	argExprs := make([]string, 0, len(args))
	for i, a := range args {
		argVar := fmt.Sprintf("__polestar_arg_%d_%d", id, i)
		cleanup = append(cleanup, argVar)

		if nf, ok := asNativeFunc(a); ok {
			if err := bindNativeFunc(vm, argVar, nf); err != nil {
				return nil, err
			}
		} else if isGoFunc(a) {
			if err := bindNativeFunc(vm, argVar, a); err != nil {
				return nil, err
			}
		} else if err := setGlobal(vm, argVar, a); err != nil {
			return nil, fmt.Errorf("compiler: binding argument %d: %w", i, err)
		}
		argExprs = append(argExprs, "globalThis["+quoteJS(argVar)+"]")
	}

	receiverVar := fmt.Sprintf("__polestar_this_%d", id)
	cleanup = append(cleanup, receiverVar)
	receiverExpr := "undefined"
	if receiver != nil {
		if err := setGlobal(vm, receiverVar, receiver); err != nil {
			return nil, fmt.Errorf("compiler: binding receiver: %w", err)
		}
		receiverExpr = "globalThis[" + quoteJS(receiverVar) + "]"
	}

	resultVar := fmt.Sprintf("__polestar_result_%d", id)
	cleanup = append(cleanup, resultVar)
	call := fmt.Sprintf(
		"globalThis[%q] = globalThis[%q].apply(%s, [%s]);",
		resultVar, f.fnVar, receiverExpr, strings.Join(argExprs, ", "),
	)
	if err := evalDiscard(vm, call); err != nil {
		return nil, err
	}

	result, err := vm.Eval(fmt.Sprintf("globalThis[%q]", resultVar), quickjs.EvalGlobal)
	if err != nil {
		return nil, fmt.Errorf("compiler: reading result: %w", err)
	}
	return result, nil
}

// asNativeFunc detects any CompiledFunction-shaped argument (including the
// unexported polestar.nativeFunc adapter) via a type assertion against its
// method set, so such values re-enter JS as callables rather than being
// JSON-marshaled.
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

// isGoFunc reports whether a holds a plain Go function value, the shape
// Module.Require and Module.Resolve are: typed funcs rather than
// CompiledFunction implementors, but still callbacks that must cross into
// JS as real functions, not be JSON-marshaled as opaque objects.
func isGoFunc(a any) bool {
	if a == nil {
		return false
	}
	return reflect.ValueOf(a).Kind() == reflect.Func
}

// bindNativeFunc registers a Go callback (fn's concrete type is matched by
// quickjs.VM.RegisterFunc via reflection, the same as registerGoFunc
// elsewhere in this codebase) as a real global JS function referenceable
// positionally in an apply() argument list. The JS wrapper unwraps the
// [value, error] pair modernc.org/quickjs produces for a (T, error)
// return into a thrown exception, so JS call sites see ordinary
// throw-or-return semantics instead of having to check a tuple.
func bindNativeFunc(vm *quickjs.VM, name string, fn any) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, fn, false); err != nil {
		return fmt.Errorf("compiler: registering native callback %q: %w", name, err)
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError(%q + ": " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}

func quoteJS(s string) string {
	return fmt.Sprintf("%q", s)
}

// evalDiscard evaluates JavaScript and discards the result, freeing its
// Value handle.
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// setGlobal sets a global property on the VM's global object, letting the
// binding auto-convert the Go value to its JS equivalent.
func setGlobal(vm *quickjs.VM, name string, value any) error {
	atom, err := vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}
