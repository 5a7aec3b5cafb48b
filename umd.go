package polestar

import (
	"fmt"
	"sync"
)

// defineShim backs the synthesized `define(name?, deps?, factory)` an
// AMD/UMD module body calls during linkUMD. AMD tolerates the name and
// deps arguments being omitted in any combination, so classification is
// by argument type rather than position: a string is the module name, a
// string slice is the dependency list, anything else invocable is the
// factory.
//
// Some UMD bundles pass a value where name and dependencies end up equal;
// the intent behind that isn't recoverable from behavior alone, so it's
// treated as a no-op here (a later argument of the same kind simply doesn't
// overwrite a field that already has a value).
type defineShim struct {
	mu      sync.Mutex
	called  bool
	name    string
	deps    []string
	factory CompiledFunction
}

func (d *defineShim) Define(args ...any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range args {
		switch v := a.(type) {
		case string:
			if d.name == "" {
				d.name = v
			}
		case []string:
			if d.deps == nil {
				d.deps = v
			}
		case []any:
			if d.deps == nil {
				deps := make([]string, 0, len(v))
				for _, x := range v {
					if s, ok := x.(string); ok {
						deps = append(deps, s)
					}
				}
				d.deps = deps
			}
		case CompiledFunction:
			if d.factory == nil {
				d.factory = v
			}
		}
	}
	d.called = true
	return nil, nil
}

// linkUMD compiles code as fn(define, ...globals) and invokes it
// immediately, capturing the dependency list and factory the module body
// passes to define(). This mirrors running a UMD bundle's outer IIFE,
// which synchronously calls define when it detects an AMD loader.
func (l *Loader) linkUMD(code string) ([]string, CompiledFunction, error) {
	if l.compiler == nil {
		return nil, nil, fmt.Errorf("polestar: no SourceCompiler configured, cannot compile UMD module")
	}

	names := append([]string{"define"}, l.globalKeys...)
	compiled, err := l.compiler.Compile(names, code)
	if err != nil {
		return nil, nil, err
	}

	shim := &defineShim{}
	args := append([]any{nativeFunc(shim.Define)}, l.globalValues()...)
	if _, err := compiled.Invoke(l.moduleThis, args...); err != nil {
		return nil, nil, err
	}
	if !shim.called {
		return nil, nil, fmt.Errorf("polestar: UMD module body never called define()")
	}
	if shim.factory == nil {
		return nil, nil, fmt.Errorf("polestar: UMD module body called define() without a factory")
	}
	return shim.deps, shim.factory, nil
}

// runUMDFactory invokes a linked UMD factory with its dependencies
// resolved to exports (or the live module.exports object, for the
// literal "exports" dependency), replacing module.exports with the
// factory's return value if it returned something other than undefined.
func runUMDFactory(w *ModuleWrapper, deps []string, factory CompiledFunction) error {
	args := make([]any, 0, len(deps))
	for _, d := range deps {
		if d == "exports" {
			args = append(args, w.module.Exports)
			continue
		}
		res, err := w.require(d)
		if err != nil {
			return err
		}
		if res.Pending != nil {
			pr := <-res.Pending
			if pr.Err != nil {
				return pr.Err
			}
			args = append(args, pr.Exports)
		} else {
			args = append(args, res.Exports)
		}
	}

	result, err := factory.Invoke(nil, args...)
	if err != nil {
		return err
	}
	if result != nil {
		w.module.Exports = result
	}
	return nil
}
