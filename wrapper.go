package polestar

import (
	"fmt"
	"sync"
)

// bodyFunc is the compiled module body, invocable as fn(w) once w.module
// is fully constructed. Concrete values are built by prepareModuleWrapper
// for the three calling conventions (normal, UMD, preload).
type bodyFunc func(w *ModuleWrapper) error

// preparedLatch resolves at most once: nil error on success, non-nil on
// failure. Later resolve calls on an already-settled latch are no-ops.
type preparedLatch struct {
	mu   sync.Mutex
	done bool
	err  error
	ch   chan struct{}
}

func newPreparedLatch() *preparedLatch {
	return &preparedLatch{ch: make(chan struct{})}
}

func (l *preparedLatch) resolve(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	l.err = err
	close(l.ch)
}

func (l *preparedLatch) settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// wait blocks the calling goroutine until the latch settles. Callers on
// the synchronous execution path must never call this — only the
// loader's fetch-completion goroutines and test code await latches
// directly; module bodies observe readiness only through waitingFor
// having already emptied by the time they run.
func (l *preparedLatch) wait() error {
	<-l.ch
	return l.err
}

// ModuleWrapper is the linking unit: one per distinct module id. All
// mutation of its requiredBy/waitingFor/dynamicImports/isPrepared fields
// happens while the owning Loader's mu is held (see loader.go); a single
// coarse lock for all wrapper bookkeeping avoids the deadlock a per-wrapper
// lock would risk between cyclic peers locking each other in different
// orders.
type ModuleWrapper struct {
	id     string
	loader *Loader
	module *Module
	fn     bodyFunc

	dependencyVersionRanges VersionRanges

	requiredBy map[string]*ModuleWrapper // id -> wrapper, transitively closed
	waitingFor map[string]struct{}       // ids or urls, opaque membership only

	dynamicImports map[string]chan PendingRequire

	isPrepared    bool
	preparedLatch *preparedLatch
}

func newModuleWrapper(l *Loader, id string, ranges VersionRanges) *ModuleWrapper {
	w := &ModuleWrapper{
		id:                      id,
		loader:                  l,
		dependencyVersionRanges: ranges,
		requiredBy:              make(map[string]*ModuleWrapper),
		waitingFor:              make(map[string]struct{}),
		dynamicImports:          make(map[string]chan PendingRequire),
		preparedLatch:           newPreparedLatch(),
	}
	w.module = &Module{
		ID:      id,
		Exports: map[string]any{},
		Require: w.require,
		Resolve: w.requireResolve,
	}
	return w
}

// requireResolve implements require.resolve(request): delegates to the
// loader's Resolver and, for a NeedFetch resolution, synchronously kicks
// off the fetch and records its promise in dynamicImports so a subsequent
// require(request) call can resume it. The side effect (starting a fetch
// from a resolve call) is intentional: it's what lets require(x) inside an
// executing body return a promise for a not-yet-loaded dependency.
func (w *ModuleWrapper) requireResolve(request string) (string, error) {
	res, err := w.loader.Resolve(request, w.id, w.dependencyVersionRanges)
	if err != nil {
		return "", err
	}
	if res.Kind == Available {
		return res.ID, nil
	}

	done := make(chan PendingRequire, 1)
	w.loader.mu.Lock()
	w.dynamicImports[request] = done
	w.loader.mu.Unlock()

	go func() {
		dep, err := w.loader.loadWrapper(res.URL, w, request)
		if err != nil {
			done <- PendingRequire{Err: err}
			return
		}
		if !dep.moduleLoaded() {
			if execErr := dep.execute(); execErr != nil && !isAlreadyLoaded(execErr) {
				done <- PendingRequire{Err: execErr}
				return
			}
		}
		done <- PendingRequire{Exports: dep.module.Exports}
	}()

	return res.URL, nil
}

func (w *ModuleWrapper) moduleLoaded() bool {
	w.loader.mu.Lock()
	defer w.loader.mu.Unlock()
	return w.module.Loaded
}

// require implements the require(request) function exposed to executing
// module code.
func (w *ModuleWrapper) require(request string) (*RequireResult, error) {
	requestedID, err := w.requireResolve(request)
	if err != nil {
		return nil, err
	}
	if requestedID == w.id {
		return nil, &CyclicDependencyError{ID: w.id}
	}

	w.loader.mu.Lock()
	dep, ok := w.loader.wrappers[requestedID]
	w.loader.mu.Unlock()

	if ok {
		if !dep.moduleLoaded() {
			// Losing the loaded-check race to a concurrent require of the
			// same dependency is fine: it executed, its exports stand.
			if err := dep.execute(); err != nil && !isAlreadyLoaded(err) {
				return nil, err
			}
		}
		return &RequireResult{Exports: dep.module.Exports}, nil
	}

	w.loader.mu.Lock()
	pending, ok := w.dynamicImports[request]
	w.loader.mu.Unlock()
	if !ok {
		return nil, &UnresolvableError{Request: request, ParentID: w.id}
	}

	out := make(chan PendingRequire, 1)
	go func() {
		result := <-pending
		if result.Err != nil {
			out <- PendingRequire{Err: &UnresolvableError{Request: request, ParentID: w.id}}
			return
		}
		out <- result
	}()
	return &RequireResult{Pending: out}, nil
}

// prepare resolves each of dependencyRequests, either finding an
// already-registered wrapper (skipping it if waiting on it would
// deadlock a tolerated cycle) or triggering a fetch. Once waitingFor
// empties, the wrapper transitions to Prepared.
func (w *ModuleWrapper) prepare(dependencyRequests []string, requiredBy []*ModuleWrapper) {
	w.loader.mu.Lock()
	for _, rb := range requiredBy {
		w.addRequiredByLocked(rb)
	}
	w.loader.mu.Unlock()

	for _, request := range dependencyRequests {
		res, err := w.loader.Resolve(request, w.id, w.dependencyVersionRanges)
		if err != nil {
			w.rejectPrepared(err)
			return
		}

		switch res.Kind {
		case Available:
			w.loader.mu.Lock()
			dep, ok := w.loader.wrappers[res.ID]
			if !ok {
				w.loader.mu.Unlock()
				w.rejectPrepared(fmt.Errorf("polestar: resolver reported %q available but no wrapper is registered", res.ID))
				return
			}
			_, isCyclePeer := w.requiredBy[dep.id]
			if isCyclePeer || dep.isPrepared {
				w.loader.mu.Unlock()
				continue
			}
			w.waitingFor[dep.id] = struct{}{}
			w.loader.mu.Unlock()

			go func(dep *ModuleWrapper) {
				err := dep.preparedLatch.wait()
				if err != nil {
					w.rejectPrepared(err)
					return
				}
				w.stopWaitingFor(dep.id)
			}(dep)

		case NeedFetch:
			w.loader.mu.Lock()
			w.waitingFor[res.URL] = struct{}{}
			w.loader.mu.Unlock()

			go func(url, request string) {
				_, err := w.loader.loadWrapper(url, w, request)
				if err != nil {
					w.rejectPrepared(err)
					return
				}
				w.stopWaitingFor(url)
			}(res.URL, request)
		}
	}

	w.loader.mu.Lock()
	empty := len(w.waitingFor) == 0
	w.loader.mu.Unlock()
	if empty {
		w.markPrepared()
	}
}

// addRequiredByLocked extends requiredBy transitively with rb and
// everything already in rb.requiredBy. Caller must hold loader.mu.
func (w *ModuleWrapper) addRequiredByLocked(rb *ModuleWrapper) {
	if rb == nil || rb.id == w.id {
		return
	}
	if _, ok := w.requiredBy[rb.id]; !ok {
		w.requiredBy[rb.id] = rb
	}
	for id, peer := range rb.requiredBy {
		if id == w.id {
			continue
		}
		if _, ok := w.requiredBy[id]; !ok {
			w.requiredBy[id] = peer
		}
	}
}

// addToRequiredBy is called when a shared dependency is late-claimed by
// an additional consumer: extend requiredBy transitively, then check
// whether any currently-waited-on peer turns out to be a cycle (it just
// became reachable via requiredBy), releasing it if so.
func (w *ModuleWrapper) addToRequiredBy(newRequiredBy *ModuleWrapper) {
	w.loader.mu.Lock()
	w.addRequiredByLocked(newRequiredBy)

	var newlyCyclic []string
	for key := range w.waitingFor {
		id, ok := w.loader.waitKeyToIDLocked(key)
		if !ok {
			continue
		}
		if _, ok := w.requiredBy[id]; ok {
			newlyCyclic = append(newlyCyclic, key)
		}
	}
	w.loader.mu.Unlock()

	for _, key := range newlyCyclic {
		w.stopWaitingFor(key)
	}
}

// stopWaitingFor removes key from waitingFor; if that empties the set,
// the wrapper becomes Prepared. A no-op if key was already removed.
func (w *ModuleWrapper) stopWaitingFor(key string) {
	w.loader.mu.Lock()
	if _, ok := w.waitingFor[key]; !ok {
		w.loader.mu.Unlock()
		return
	}
	delete(w.waitingFor, key)
	empty := len(w.waitingFor) == 0
	w.loader.mu.Unlock()

	if empty {
		w.markPrepared()
	}
}

func (w *ModuleWrapper) markPrepared() {
	w.loader.mu.Lock()
	w.isPrepared = true
	w.loader.mu.Unlock()
	w.preparedLatch.resolve(nil)
	w.loader.onWrapperPrepared(w)
}

func (w *ModuleWrapper) rejectPrepared(err error) {
	w.preparedLatch.resolve(err)
	w.loader.setError(err, w.id)
}

// execute invokes the compiled module body exactly once. Re-execution is
// a fatal invariant violation.
func (w *ModuleWrapper) execute() error {
	w.loader.mu.Lock()
	if w.module.Loaded {
		w.loader.mu.Unlock()
		return &alreadyLoadedError{ID: w.id}
	}
	w.module.Loaded = true
	w.loader.mu.Unlock()

	return w.fn(w)
}
