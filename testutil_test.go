package polestar_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/polestar"
)

// bodyFunc is the shape a fakeCompiler body takes: names is the positional
// parameter list the real compiler would have bound code against; args are
// the runtime values bound to those names.
type bodyFunc func(names []string, args []any) (any, error)

// fakeCompiledFn adapts a plain Go closure into polestar.CompiledFunction,
// the same role polestar's own unexported nativeFunc type plays internally.
type fakeCompiledFn struct {
	invoke func(receiver any, args []any) (any, error)
}

func (f *fakeCompiledFn) Invoke(receiver any, args ...any) (any, error) {
	return f.invoke(receiver, args)
}

// fakeCompiler is a polestar.SourceCompiler stand-in: since these tests
// never touch a real JS engine, "code" is just a lookup key into a table
// of Go closures that play the role of a module body.
type fakeCompiler struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string]bodyFunc
}

func newFakeCompiler(bodies map[string]bodyFunc) *fakeCompiler {
	return &fakeCompiler{calls: make(map[string]int), bodies: bodies}
}

func (c *fakeCompiler) Compile(names []string, code string) (polestar.CompiledFunction, error) {
	c.mu.Lock()
	c.calls[code]++
	fn, ok := c.bodies[code]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeCompiler: no body registered for code %q", code)
	}
	return &fakeCompiledFn{invoke: func(receiver any, args []any) (any, error) {
		return fn(names, args)
	}}, nil
}

func (c *fakeCompiler) callCount(code string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[code]
}

// lastThree extracts (require, module, exports) from a normal-mode body's
// args: prepareModuleWrapper always appends these three last, after any
// configured globals.
func lastThree(args []any) (polestar.RequireFunc, *polestar.Module, any) {
	n := len(args)
	req, _ := args[n-3].(polestar.RequireFunc)
	mod, _ := args[n-2].(*polestar.Module)
	return req, mod, args[n-1]
}

// requireSync calls req and resolves either the synchronous Exports or the
// pending channel for a dynamic import, returning a single (value, error).
func requireSync(req polestar.RequireFunc, name string) (any, error) {
	res, err := req(name)
	if err != nil {
		return nil, err
	}
	if res.Pending != nil {
		pr := <-res.Pending
		return pr.Exports, pr.Err
	}
	return res.Exports, nil
}

// fakeFetcher serves canned FetchResults keyed by URL and counts how many
// times each URL was actually fetched, for load-dedup assertions.
type fakeFetcher struct {
	mu      sync.Mutex
	entries map[string]*polestar.FetchResult
	errs    map[string]error
	calls   map[string]int32
}

func newFakeFetcher(entries map[string]*polestar.FetchResult) *fakeFetcher {
	return &fakeFetcher{entries: entries, errs: map[string]error{}, calls: map[string]int32{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ polestar.FetchContext) (*polestar.FetchResult, error) {
	f.mu.Lock()
	f.calls[url]++
	result, ok := f.entries[url]
	err := f.errs[url]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fakeFetcher: no entry for %q", url)
	}
	return result, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.calls[url])
}

func (f *fakeFetcher) failOn(url string, err error) {
	f.mu.Lock()
	f.errs[url] = err
	f.mu.Unlock()
}

// fakeResolver treats every request string as its own URL (no relative
// resolution), the simplest Resolver that still implements the
// Available/NeedFetch contract: a request resolves Available once its URL
// has been bound to a known id via RegisterResolvedURL/RegisterID.
type fakeResolver struct {
	mu        sync.Mutex
	knownURLs map[string]string
	knownIDs  map[string]struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{knownURLs: map[string]string{}, knownIDs: map[string]struct{}{}}
}

func (r *fakeResolver) Resolve(request, _ string, _ polestar.VersionRanges) (polestar.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.knownIDs[request]; ok {
		return polestar.Resolution{Kind: polestar.Available, ID: request}, nil
	}
	if id, ok := r.knownURLs[request]; ok {
		if _, registered := r.knownIDs[id]; registered {
			return polestar.Resolution{Kind: polestar.Available, ID: id}, nil
		}
	}
	return polestar.Resolution{Kind: polestar.NeedFetch, URL: request}, nil
}

func (r *fakeResolver) RegisterResolvedURL(url, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownURLs[url] = id
}

func (r *fakeResolver) RegisterID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownIDs[id] = struct{}{}
}

func (r *fakeResolver) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.knownIDs, id)
	for u, bound := range r.knownURLs {
		if bound == id {
			delete(r.knownURLs, u)
		}
	}
}

func (r *fakeResolver) knownURLCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.knownURLs)
}

// atomicCounter is a tiny helper for counting executions from inside
// concurrently-invoked body closures.
type atomicCounter struct{ n atomic.Int64 }

func (c *atomicCounter) inc() { c.n.Add(1) }
func (c *atomicCounter) get() int64 { return c.n.Load() }
