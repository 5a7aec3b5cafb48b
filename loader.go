package polestar

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// loadEntry tracks an in-flight or completed fetch for a single URL.
// requiredBy accumulates every wrapper that asked for this URL before
// the fetch settled; they're all merged into the resulting wrapper's
// requiredBy set once it exists.
type loadEntry struct {
	requiredBy []*ModuleWrapper
	latch      *wrapperLatch
}

// wrapperLatch resolves at most once to either a ModuleWrapper or an error.
type wrapperLatch struct {
	mu   sync.Mutex
	done bool
	w    *ModuleWrapper
	err  error
	ch   chan struct{}
}

func newWrapperLatch() *wrapperLatch {
	return &wrapperLatch{ch: make(chan struct{})}
}

func (l *wrapperLatch) resolve(w *ModuleWrapper, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	l.w, l.err = w, err
	close(l.ch)
}

func (l *wrapperLatch) settled() (w *ModuleWrapper, err error, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w, l.err, l.done
}

func (l *wrapperLatch) wait() (*ModuleWrapper, error) {
	<-l.ch
	return l.w, l.err
}

// Options configures a Loader. Fetcher is required for any module that
// isn't preloaded; everything else has a usable default.
type Options struct {
	Fetcher    Fetcher
	Resolver   Resolver
	Compiler   SourceCompiler
	StyleHost  StyleHost
	Globals    map[string]any
	ModuleThis any

	// OnEntry is called once, immediately before the first entry-point
	// executes.
	OnEntry func()
	// OnError is called with each distinct latched error. If nil, the
	// default sink just logs it.
	OnError func(err error, detail any)
}

// EvaluateResult is the outcome of Loader.Evaluate.
type EvaluateResult struct {
	Module *Module
	Err    error
}

// Loader owns the graph of in-flight loads and module wrappers, and
// drives preparation, execution, error latching, unload, and clearError.
type Loader struct {
	resolver   Resolver
	fetcher    Fetcher
	compiler   SourceCompiler
	styleHost  StyleHost
	globals    map[string]any
	globalKeys []string
	moduleThis any
	onEntry    func()
	onError    func(err error, detail any)

	mu       sync.Mutex
	loads    map[string]*loadEntry
	wrappers map[string]*ModuleWrapper

	errLatched bool
	err        error
	errDetail  any

	hasCalledOnEntry bool
	nextEntryID      atomic.Int64
}

// NewLoader constructs a Loader. A nil Resolver gets DefaultResolver; a
// nil StyleHost gets NopStyleHost; Compiler must be supplied by the
// caller unless only preloaded modules will ever be used.
func NewLoader(opts Options) *Loader {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewDefaultResolver()
	}
	styleHost := opts.StyleHost
	if styleHost == nil {
		styleHost = NopStyleHost{}
	}
	keys := make([]string, 0, len(opts.Globals))
	for k := range opts.Globals {
		keys = append(keys, k)
	}
	return &Loader{
		resolver:   resolver,
		fetcher:    opts.Fetcher,
		compiler:   opts.Compiler,
		styleHost:  styleHost,
		globals:    opts.Globals,
		globalKeys: keys,
		moduleThis: opts.ModuleThis,
		onEntry:    opts.OnEntry,
		onError:    opts.OnError,
		loads:      make(map[string]*loadEntry),
		wrappers:   make(map[string]*ModuleWrapper),
	}
}

func (l *Loader) globalValues() []any {
	vals := make([]any, len(l.globalKeys))
	for i, k := range l.globalKeys {
		vals[i] = l.globals[k]
	}
	return vals
}

// Evaluate creates an anonymous entry wrapper (synthetic id
// "anonymous://<n>" if id is empty), prepares it against dependencies,
// and blocks until it has executed (or prepare/execute has failed).
func (l *Loader) Evaluate(ctx context.Context, dependencies []string, code string, ranges VersionRanges, id string) (*Module, error) {
	if id == "" {
		n := l.nextEntryID.Add(1)
		id = fmt.Sprintf("anonymous://%d", n)
	}

	done := make(chan EvaluateResult, 1)
	w, err := l.prepareModuleWrapper(id, code, dependencies, false, ranges, nil, "", false, nil, done)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.Module, res.Err
	case <-ctx.Done():
		return w.module, ctx.Err()
	}
}

// Require resolves request with no parent module. If Available, returns
// the existing module immediately; otherwise fetches and links it.
func (l *Loader) Require(ctx context.Context, request string) (*Module, error) {
	res, err := l.Resolve(request, "", nil)
	if err != nil {
		l.setError(err, request)
		return nil, err
	}
	if res.Kind == Available {
		l.mu.Lock()
		w, ok := l.wrappers[res.ID]
		l.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("polestar: resolver reported %q available but no wrapper is registered", res.ID)
		}
		return w.module, nil
	}

	w, err := l.loadWrapper(res.URL, nil, request)
	if err != nil {
		l.setError(err, request)
		return nil, err
	}
	return w.module, nil
}

// Resolve delegates to the configured Resolver.
func (l *Loader) Resolve(request, parentID string, ranges VersionRanges) (Resolution, error) {
	return l.resolver.Resolve(request, parentID, ranges)
}

// loadWrapper returns the wrapper for url, fetching it if necessary.
// Concurrent callers for the same url share one fetch and one wrapper.
func (l *Loader) loadWrapper(url string, requiredBy *ModuleWrapper, originalRequest string) (*ModuleWrapper, error) {
	l.mu.Lock()
	if l.errLatched {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}

	entry, exists := l.loads[url]
	if !exists {
		entry = &loadEntry{latch: newWrapperLatch()}
		if requiredBy != nil {
			entry.requiredBy = append(entry.requiredBy, requiredBy)
		}
		l.loads[url] = entry
		l.mu.Unlock()

		correlationID := uuid.NewString()
		go l.fetchAndHandle(url, entry, originalRequest, correlationID)
	} else {
		if requiredBy != nil {
			entry.requiredBy = append(entry.requiredBy, requiredBy)
		}
		l.mu.Unlock()

		if w, err, ok := entry.latch.settled(); ok && err == nil && requiredBy != nil {
			w.addToRequiredBy(requiredBy)
		}
	}

	return entry.latch.wait()
}

// fetchAndHandle runs the Fetcher for url and, on success, hands the
// result to handleFetchResult. Runs on its own goroutine; all graph
// mutation it triggers goes back through Loader.mu.
func (l *Loader) fetchAndHandle(url string, entry *loadEntry, originalRequest, correlationID string) {
	if l.fetcher == nil {
		entry.latch.resolve(nil, fmt.Errorf("polestar: no Fetcher configured, cannot fetch %s", url))
		return
	}

	l.mu.Lock()
	requiredByID := ""
	if len(entry.requiredBy) > 0 && entry.requiredBy[0] != nil {
		requiredByID = entry.requiredBy[0].id
	}
	l.mu.Unlock()

	result, err := l.fetcher.Fetch(context.Background(), url, FetchContext{
		RequiredByID:    requiredByID,
		OriginalRequest: originalRequest,
		CorrelationID:   correlationID,
	})
	if err != nil {
		entry.latch.resolve(nil, fmt.Errorf("polestar: fetching %s: %w", url, err))
		return
	}

	w, err := l.handleFetchResult(result, entry)
	entry.latch.resolve(w, err)
}

// handleFetchResult registers the URL<->id binding and either merges the
// load into an already-existing wrapper (fetched via a different URL) or
// builds a new one.
func (l *Loader) handleFetchResult(result *FetchResult, entry *loadEntry) (*ModuleWrapper, error) {
	l.mu.Lock()
	if l.errLatched {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.resolver.RegisterResolvedURL(result.URL, result.ID)

	l.mu.Lock()
	existing, ok := l.wrappers[result.ID]
	requiredBy := append([]*ModuleWrapper(nil), entry.requiredBy...)
	l.mu.Unlock()

	if ok {
		for _, rb := range requiredBy {
			existing.addToRequiredBy(rb)
		}
		return existing, nil
	}

	return l.prepareModuleWrapper(result.ID, result.Code, result.Dependencies, result.IsUMD, result.DependencyVersionRanges, requiredBy, result.CSS, false, nil, nil)
}

// prepareModuleWrapper builds a wrapper for id in normal, UMD, or preload
// mode, registers it under id before preparing it (so cycle peers can
// already see it when prepare() starts resolving dependencies), and kicks
// off prepare().
// If requiredBy is empty and this isn't a preload, it's an entry
// wrapper: a continuation fires onEntry (once) and executes it once
// prepared, delivering the outcome on done (if non-nil).
func (l *Loader) prepareModuleWrapper(
	id, code string,
	dependencies []string,
	isUMD bool,
	ranges VersionRanges,
	requiredBy []*ModuleWrapper,
	css string,
	isPreload bool,
	preloadedExports any,
	done chan EvaluateResult,
) (*ModuleWrapper, error) {
	l.mu.Lock()
	if l.errLatched {
		err := l.err
		l.mu.Unlock()
		if done != nil {
			done <- EvaluateResult{Err: err}
		}
		return nil, err
	}
	l.mu.Unlock()

	if css != "" {
		if err := l.styleHost.SetStyle(id, css); err != nil {
			l.setError(err, id)
			if done != nil {
				done <- EvaluateResult{Err: err}
			}
			return nil, err
		}
	}

	w := newModuleWrapper(l, id, ranges)

	var prepareDeps []string
	switch {
	case isPreload:
		w.fn = func(*ModuleWrapper) error { return nil }
		w.module.Exports = preloadedExports
		w.module.Loaded = true
		prepareDeps = nil

	case isUMD:
		deps, factory, err := l.linkUMD(code)
		if err != nil {
			l.setError(err, id)
			if done != nil {
				done <- EvaluateResult{Err: err}
			}
			return nil, err
		}
		for _, d := range deps {
			if d != "exports" {
				prepareDeps = append(prepareDeps, d)
			}
		}
		w.fn = func(w *ModuleWrapper) error { return runUMDFactory(w, deps, factory) }

	default:
		if l.compiler == nil {
			err := fmt.Errorf("polestar: no SourceCompiler configured, cannot compile %s", id)
			l.setError(err, id)
			if done != nil {
				done <- EvaluateResult{Err: err}
			}
			return nil, err
		}
		names := append(append([]string{}, l.globalKeys...), "require", "module", "exports")
		compiled, err := l.compiler.Compile(names, code)
		if err != nil {
			l.setError(err, id)
			if done != nil {
				done <- EvaluateResult{Err: err}
			}
			return nil, err
		}
		prepareDeps = dependencies
		globalVals := l.globalValues()
		w.fn = func(w *ModuleWrapper) error {
			args := append(append([]any{}, globalVals...), w.module.Require, w.module, w.module.Exports)
			_, err := compiled.Invoke(l.moduleThis, args...)
			return err
		}
	}

	l.mu.Lock()
	l.wrappers[id] = w
	l.mu.Unlock()
	l.resolver.RegisterID(id)

	w.prepare(prepareDeps, requiredBy)

	if len(requiredBy) == 0 && !isPreload {
		go l.runEntry(w, done)
	} else if done != nil {
		// Non-entry callers that asked for a completion channel (none
		// today) would be notified here; currently unreachable.
		close(done)
	}

	return w, nil
}

// runEntry waits for w to prepare, fires onEntry (globally, once), and
// executes w. Any failure latches the loader error.
func (l *Loader) runEntry(w *ModuleWrapper, done chan EvaluateResult) {
	err := w.preparedLatch.wait()
	if err != nil {
		l.setError(err, w.id)
		if done != nil {
			done <- EvaluateResult{Module: w.module, Err: err}
		}
		return
	}

	l.mu.Lock()
	alreadyCalled := l.hasCalledOnEntry
	l.hasCalledOnEntry = true
	l.mu.Unlock()
	if !alreadyCalled && l.onEntry != nil {
		l.onEntry()
	}

	err = w.execute()
	if err != nil {
		l.setError(err, w.id)
	}
	if done != nil {
		done <- EvaluateResult{Module: w.module, Err: err}
	}
}

// PreloadModule installs an already-constructed module value under id: a
// shortcut for hosts that have exports ready without any source to run.
func (l *Loader) PreloadModule(id string, exports any, css string) (*Module, error) {
	w, err := l.prepareModuleWrapper(id, "", nil, false, nil, nil, css, true, exports, nil)
	if err != nil {
		return nil, err
	}
	return w.module, nil
}

// onWrapperPrepared is a hook point for side effects once a wrapper
// becomes ready; currently a no-op because entry scheduling is driven
// directly by runEntry.
func (l *Loader) onWrapperPrepared(*ModuleWrapper) {}

// waitKeyToIDLocked resolves a waitingFor entry (an id or a url) to the
// id it denotes, if known yet. Caller must hold l.mu.
func (l *Loader) waitKeyToIDLocked(key string) (string, bool) {
	if _, ok := l.wrappers[key]; ok {
		return key, true
	}
	if entry, ok := l.loads[key]; ok {
		if w, err, done := entry.latch.settled(); done && err == nil {
			return w.id, true
		}
	}
	return "", false
}

// Unload removes id and the transitive closure of modules depending on
// it from wrappers, loads, and the Resolver's URL map. It does not
// reverse side effects already executed.
func (l *Loader) Unload(id string) {
	l.mu.Lock()
	victims := l.transitiveDependentsLocked(id)
	for vid := range victims {
		delete(l.wrappers, vid)
		for url, entry := range l.loads {
			if w, _, done := entry.latch.settled(); done && w != nil && w.id == vid {
				delete(l.loads, url)
			}
		}
		l.styleHost.RemoveStyle(vid)
	}
	l.mu.Unlock()

	for vid := range victims {
		l.resolver.Unregister(vid)
	}
}

// transitiveDependentsLocked returns id plus every wrapper that (directly
// or transitively) requires id, found by scanning requiredBy sets.
// Caller must hold l.mu.
func (l *Loader) transitiveDependentsLocked(id string) map[string]struct{} {
	victims := map[string]struct{}{id: {}}
	changed := true
	for changed {
		changed = false
		for vid := range victims {
			w, ok := l.wrappers[vid]
			if !ok {
				continue
			}
			for dependent := range w.requiredBy {
				if _, already := victims[dependent]; !already {
					victims[dependent] = struct{}{}
					changed = true
				}
			}
		}
	}
	return victims
}

// ClearError drops failed in-flight loads and failed wrappers, unbinding
// their URL<->id entries in the Resolver, and clears the latched error.
// Successful loads and wrappers are left alone.
func (l *Loader) ClearError() {
	l.mu.Lock()
	if !l.errLatched {
		l.mu.Unlock()
		return
	}

	var toUnregister []string
	for url, entry := range l.loads {
		if _, err, done := entry.latch.settled(); done && err != nil {
			delete(l.loads, url)
		}
	}
	for id, w := range l.wrappers {
		if w.preparedLatch.settled() {
			if err := w.preparedLatch.err; err != nil {
				delete(l.wrappers, id)
				toUnregister = append(toUnregister, id)
			}
		}
	}
	l.errLatched = false
	l.err = nil
	l.errDetail = nil
	l.mu.Unlock()

	for _, id := range toUnregister {
		l.resolver.Unregister(id)
	}
}

// setError idempotently latches the first distinct error the loader
// observes. After latching, no new wrappers are created and no new
// fetch results are processed.
func (l *Loader) setError(err error, detail any) {
	l.mu.Lock()
	if l.errLatched {
		l.mu.Unlock()
		return
	}
	l.errLatched = true
	l.err = err
	l.errDetail = detail
	onError := l.onError
	l.mu.Unlock()

	if onError != nil {
		onError(err, detail)
	} else {
		log.Printf("polestar: unhandled loader error (detail=%v): %v", detail, err)
	}
}

// Err returns the latched error, if any.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
