package polestar

import (
	"net/url"
	"strings"
	"sync"
)

// ResolverStore persists the URL<->id bindings a DefaultResolver learns,
// so they survive process restarts. See internal/resolverstore for the
// SQLite-backed implementation.
type ResolverStore interface {
	Load() (map[string]string, error) // url -> id
	Save(url, id string) error
	Delete(id string) error
}

// DefaultResolver is the built-in Resolver: it resolves a request string
// against an optional parent id by URL rules (absolute requests are used
// as-is; relative requests are resolved against the parent as a base
// URL), and remembers every URL<->id binding it's told about via
// RegisterResolvedURL so that re-requesting an already-fetched URL comes
// back Available instead of triggering a second fetch.
type DefaultResolver struct {
	mu        sync.Mutex
	knownURLs map[string]string // url -> id
	knownIDs  map[string]struct{}
	store     ResolverStore
}

// NewDefaultResolver returns a DefaultResolver with no persistence.
func NewDefaultResolver() *DefaultResolver {
	return &DefaultResolver{
		knownURLs: make(map[string]string),
		knownIDs:  make(map[string]struct{}),
	}
}

// NewDefaultResolverWithStore returns a DefaultResolver hydrated from,
// and subsequently kept in sync with, store. Hydrated bindings restore
// the URL->id mapping only; an id resolves Available again once the new
// process has actually rebuilt its wrapper and called RegisterID.
func NewDefaultResolverWithStore(store ResolverStore) (*DefaultResolver, error) {
	r := NewDefaultResolver()
	r.store = store
	bindings, err := store.Load()
	if err != nil {
		return nil, err
	}
	for u, id := range bindings {
		r.knownURLs[u] = id
	}
	return r, nil
}

// Resolve implements Resolver. parentID, if non-empty, is used as a base
// URL for resolving a relative request; version ranges are accepted for
// interface symmetry but unused by this implementation (it has no
// package registry to apply them against — a real Resolver backed by a
// package index would use ranges to pick among pre-fetched candidate
// URLs for the same name).
func (r *DefaultResolver) Resolve(request, parentID string, _ VersionRanges) (Resolution, error) {
	resolvedURL, err := resolveAgainstParent(request, parentID)
	if err != nil {
		return Resolution{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A request that names a registered id directly (preloaded modules,
	// entry ids) is Available without any URL binding.
	if _, ok := r.knownIDs[request]; ok {
		return Resolution{Kind: Available, ID: request}, nil
	}
	if id, ok := r.knownURLs[resolvedURL]; ok {
		// Available only once the id itself has been registered: a URL
		// binding alone means the fetch landed, not that the wrapper for
		// the id exists yet.
		if _, registered := r.knownIDs[id]; registered {
			return Resolution{Kind: Available, ID: id}, nil
		}
	}
	return Resolution{Kind: NeedFetch, URL: resolvedURL}, nil
}

func (r *DefaultResolver) RegisterResolvedURL(rawURL, id string) {
	r.mu.Lock()
	r.knownURLs[rawURL] = id
	store := r.store
	r.mu.Unlock()

	if store != nil {
		_ = store.Save(rawURL, id)
	}
}

func (r *DefaultResolver) RegisterID(id string) {
	r.mu.Lock()
	r.knownIDs[id] = struct{}{}
	r.mu.Unlock()
}

func (r *DefaultResolver) Unregister(id string) {
	r.mu.Lock()
	delete(r.knownIDs, id)
	for u, boundID := range r.knownURLs {
		if boundID == id {
			delete(r.knownURLs, u)
		}
	}
	store := r.store
	r.mu.Unlock()

	if store != nil {
		_ = store.Delete(id)
	}
}

// KnownURLs returns a snapshot of the url->id bindings learned so far.
func (r *DefaultResolver) KnownURLs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.knownURLs))
	for k, v := range r.knownURLs {
		out[k] = v
	}
	return out
}

// resolveAgainstParent resolves request as a URL reference against
// parentID (when parentID parses as a URL and request starts with "./",
// "../" or "/"). Opaque, non-URL request strings (typical for bare package specifiers
// like "lodash") are returned unchanged — the NeedFetch URL for those is
// whatever the caller's Fetcher knows how to turn a bare specifier into.
func resolveAgainstParent(request, parentID string) (string, error) {
	if !strings.HasPrefix(request, "./") && !strings.HasPrefix(request, "../") && !strings.HasPrefix(request, "/") {
		return request, nil
	}
	reqURL, err := url.Parse(request)
	if err != nil || reqURL.IsAbs() || parentID == "" {
		return request, nil
	}

	base, err := url.Parse(parentID)
	if err != nil || !base.IsAbs() {
		return request, nil
	}

	return base.ResolveReference(reqURL).String(), nil
}
