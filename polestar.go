// Package polestar implements a dynamic JavaScript module loader: the
// linking and execution engine that resolves specifiers, fetches missing
// source, wires up a dependency graph tolerant of cycles, and executes
// entry modules under commonjs/AMD/UMD calling conventions.
//
// Fetching, resolution policy, source compilation, and DOM/CSS injection
// are external collaborators — see Fetcher, Resolver, SourceCompiler, and
// StyleHost. This package owns only the graph of in-flight loads, the
// per-module wrapper state machine, and the readiness protocol that
// decides when a module may execute.
package polestar

import "context"

// VersionRanges maps a package name to a semver range string. It is
// opaque to the loader and passed through verbatim to the Resolver.
type VersionRanges map[string]string

// UMDDependencies is the sentinel a module server puts in a descriptor's
// dependencies field (in place of a request list) to mean "this module is
// wrapped in AMD/UMD boilerplate; discover its real dependency list by
// invoking define()". Fetchers translate it to FetchResult.IsUMD.
const UMDDependencies = "umd"

// FetchResult is what a Fetcher produces for a URL.
type FetchResult struct {
	URL  string
	ID   string
	Code string

	// Dependencies is the list of request strings. When the descriptor's
	// dependencies field was the literal string "umd", IsUMD is set instead
	// and the dependency list is discovered by running the module body
	// through a define() shim.
	Dependencies []string
	IsUMD        bool

	DependencyVersionRanges VersionRanges
	CSS                     string
}

// RequireFunc is the function exposed to an executing module body as
// `require`. It returns synchronous exports for dependencies that were
// prepared ahead of time, and a channel-delivered result for dependencies
// discovered only during execution (dynamic imports) — see
// ModuleWrapper.require for which shape a given call takes.
type RequireFunc func(request string) (*RequireResult, error)

// RequireResult is the outcome of a require() call. Exactly one of Exports
// (ready now) or Pending (resolves later) is set.
type RequireResult struct {
	Exports any
	Pending <-chan PendingRequire
}

// PendingRequire is delivered on RequireResult.Pending for a dynamic
// import, once the underlying fetch/prepare/execute settles.
type PendingRequire struct {
	Exports any
	Err     error
}

// ResolveFunc is the `require.resolve` operation: maps a request string to
// either the dependency's id (Available) or its fetch URL (NeedFetch),
// kicking off a fetch as a side effect in the latter case.
type ResolveFunc func(request string) (string, error)

// Module is the object observable to executed module code.
type Module struct {
	ID      string
	Exports any
	Loaded  bool
	Require RequireFunc
	Resolve ResolveFunc
}

// FetchContext carries metadata about why a fetch was triggered, passed
// to the Fetcher alongside the URL.
type FetchContext struct {
	// RequiredByID is the id of the module that triggered this fetch, if any.
	RequiredByID string
	// OriginalRequest is the request string as written in source, before
	// resolution (e.g. "./util", not the resolved URL).
	OriginalRequest string
	// CorrelationID tags this fetch for tracing across concurrent loads.
	CorrelationID string
}

// Fetcher retrieves the source (and metadata) for a URL the Resolver
// could not satisfy from already-known ids.
type Fetcher interface {
	Fetch(ctx context.Context, url string, fctx FetchContext) (*FetchResult, error)
}

// ResolutionKind discriminates the two Resolution variants.
type ResolutionKind int

const (
	// Available means the request maps to an id that is already known;
	// no fetch is required.
	Available ResolutionKind = iota
	// NeedFetch means a fetch must be performed against URL; the
	// eventual id is learned from the FetchResult.
	NeedFetch
)

// Resolution is the result of resolving a request string.
type Resolution struct {
	Kind ResolutionKind
	ID   string // set when Kind == Available
	URL  string // set when Kind == NeedFetch
}

// Resolver maps a request (plus optional parent id and version-range map)
// to a Resolution. Implementations are stateful only to the extent that
// they remember URL<->id bindings learned from fetch results.
type Resolver interface {
	Resolve(request string, parentID string, ranges VersionRanges) (Resolution, error)
	RegisterResolvedURL(url, id string)
	RegisterID(id string)
	// Unregister removes any URL<->id bindings for id, used by unload
	// and clearError to let a pruned id be refetched from scratch.
	Unregister(id string)
}
