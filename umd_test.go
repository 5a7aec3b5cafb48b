package polestar

import (
	"fmt"
	"reflect"
	"testing"
)

// stubCompiled is a CompiledFunction backed by a Go closure, standing in
// for a compiler backend in these in-package tests.
type stubCompiled struct {
	invoke func(receiver any, args []any) (any, error)
}

func (s *stubCompiled) Invoke(receiver any, args ...any) (any, error) {
	return s.invoke(receiver, args)
}

// stubCompiler maps code strings to stubCompiled bodies.
type stubCompiler map[string]*stubCompiled

func (c stubCompiler) Compile(_ []string, code string) (CompiledFunction, error) {
	fn, ok := c[code]
	if !ok {
		return nil, fmt.Errorf("stubCompiler: no body for %q", code)
	}
	return fn, nil
}

func TestDefineShimClassification(t *testing.T) {
	factory := &stubCompiled{}
	tests := []struct {
		name        string
		args        []any
		wantName    string
		wantDeps    []string
		wantFactory bool
	}{
		{
			name:        "name deps factory",
			args:        []any{"mod", []string{"a", "b"}, factory},
			wantName:    "mod",
			wantDeps:    []string{"a", "b"},
			wantFactory: true,
		},
		{
			name:        "deps factory",
			args:        []any{[]string{"a"}, factory},
			wantDeps:    []string{"a"},
			wantFactory: true,
		},
		{
			name:        "factory only",
			args:        []any{factory},
			wantFactory: true,
		},
		{
			name:        "deps as []any from a JS engine",
			args:        []any{[]any{"a", "b", 3}, factory},
			wantDeps:    []string{"a", "b"},
			wantFactory: true,
		},
		{
			name:        "second string does not overwrite name",
			args:        []any{"first", "second", factory},
			wantName:    "first",
			wantFactory: true,
		},
		{
			name:        "second deps list is dropped",
			args:        []any{[]string{"a"}, []string{"b"}, factory},
			wantDeps:    []string{"a"},
			wantFactory: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shim := &defineShim{}
			if _, err := shim.Define(tt.args...); err != nil {
				t.Fatalf("Define: %v", err)
			}
			if !shim.called {
				t.Error("shim.called = false after Define")
			}
			if shim.name != tt.wantName {
				t.Errorf("name = %q, want %q", shim.name, tt.wantName)
			}
			if !reflect.DeepEqual(shim.deps, tt.wantDeps) {
				t.Errorf("deps = %v, want %v", shim.deps, tt.wantDeps)
			}
			if (shim.factory != nil) != tt.wantFactory {
				t.Errorf("factory set = %v, want %v", shim.factory != nil, tt.wantFactory)
			}
		})
	}
}

func TestLinkUMD(t *testing.T) {
	factory := &stubCompiled{}
	compiler := stubCompiler{
		"calls-define": {invoke: func(_ any, args []any) (any, error) {
			define := args[0].(CompiledFunction)
			return define.Invoke(nil, []string{"dep", "exports"}, factory)
		}},
		"never-defines": {invoke: func(_ any, _ []any) (any, error) {
			return nil, nil
		}},
		"defines-without-factory": {invoke: func(_ any, args []any) (any, error) {
			define := args[0].(CompiledFunction)
			return define.Invoke(nil, []string{"dep"})
		}},
	}
	l := NewLoader(Options{Compiler: compiler})

	deps, fn, err := l.linkUMD("calls-define")
	if err != nil {
		t.Fatalf("linkUMD: %v", err)
	}
	if want := []string{"dep", "exports"}; !reflect.DeepEqual(deps, want) {
		t.Errorf("deps = %v, want %v", deps, want)
	}
	if fn != CompiledFunction(factory) {
		t.Error("linkUMD returned a different factory than define received")
	}

	if _, _, err := l.linkUMD("never-defines"); err == nil {
		t.Error("linkUMD of a body that never calls define: want error")
	}
	if _, _, err := l.linkUMD("defines-without-factory"); err == nil {
		t.Error("linkUMD of a define call without a factory: want error")
	}
}

func TestRunUMDFactoryReturnReplacesExports(t *testing.T) {
	l := NewLoader(Options{})
	w := newModuleWrapper(l, "umd-mod", nil)

	factory := &stubCompiled{invoke: func(_ any, args []any) (any, error) {
		exp := args[0].(map[string]any)
		exp["touched"] = true
		return 7, nil
	}}
	if err := runUMDFactory(w, []string{"exports"}, factory); err != nil {
		t.Fatalf("runUMDFactory: %v", err)
	}
	if w.module.Exports != 7 {
		t.Errorf("exports = %v, want 7 (factory return value replaces module.exports)", w.module.Exports)
	}
}

func TestRunUMDFactoryNilReturnKeepsLiveExports(t *testing.T) {
	l := NewLoader(Options{})
	w := newModuleWrapper(l, "umd-mod", nil)

	factory := &stubCompiled{invoke: func(_ any, args []any) (any, error) {
		exp := args[0].(map[string]any)
		exp["touched"] = true
		return nil, nil
	}}
	if err := runUMDFactory(w, []string{"exports"}, factory); err != nil {
		t.Fatalf("runUMDFactory: %v", err)
	}
	exp, ok := w.module.Exports.(map[string]any)
	if !ok || exp["touched"] != true {
		t.Errorf("exports = %#v, want the live map with touched=true", w.module.Exports)
	}
}
