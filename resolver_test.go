package polestar

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestResolveAgainstParent(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		parentID string
		want     string
	}{
		{"absolute request unchanged", "https://cdn.example/mod.js", "https://cdn.example/parent.js", "https://cdn.example/mod.js"},
		{"relative against absolute parent", "./util.js", "https://cdn.example/pkg/index.js", "https://cdn.example/pkg/util.js"},
		{"parent-relative climbs directories", "../other/mod.js", "https://cdn.example/pkg/lib/index.js", "https://cdn.example/pkg/other/mod.js"},
		{"bare specifier unchanged", "lodash", "https://cdn.example/parent.js", "lodash"},
		{"no parent leaves request alone", "./util.js", "", "./util.js"},
		{"non-URL parent leaves request alone", "./util.js", "not a url at all \x7f", "./util.js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveAgainstParent(tt.request, tt.parentID)
			if err != nil {
				t.Fatalf("resolveAgainstParent(%q, %q): %v", tt.request, tt.parentID, err)
			}
			if got != tt.want {
				t.Errorf("resolveAgainstParent(%q, %q) = %q, want %q", tt.request, tt.parentID, got, tt.want)
			}
		})
	}
}

func TestDefaultResolverRoundTrip(t *testing.T) {
	r := NewDefaultResolver()

	res, err := r.Resolve("https://cdn.example/a.js", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != NeedFetch || res.URL != "https://cdn.example/a.js" {
		t.Fatalf("unknown URL resolved to %+v, want NeedFetch for it", res)
	}

	// A URL binding alone is not enough: the fetch landed but the id's
	// wrapper may not exist yet.
	r.RegisterResolvedURL("https://cdn.example/a.js", "pkg-a")
	res, _ = r.Resolve("https://cdn.example/a.js", "", nil)
	if res.Kind != NeedFetch {
		t.Fatalf("URL-bound-only request resolved to %+v, want NeedFetch", res)
	}

	r.RegisterID("pkg-a")
	res, err = r.Resolve("https://cdn.example/a.js", "", nil)
	if err != nil {
		t.Fatalf("Resolve after register: %v", err)
	}
	if res.Kind != Available || res.ID != "pkg-a" {
		t.Fatalf("registered URL resolved to %+v, want Available pkg-a", res)
	}

	// The id itself is requestable directly.
	res, _ = r.Resolve("pkg-a", "", nil)
	if res.Kind != Available || res.ID != "pkg-a" {
		t.Fatalf("direct id request resolved to %+v, want Available pkg-a", res)
	}

	// A second URL bound to the same id resolves to the same id.
	r.RegisterResolvedURL("https://mirror.example/a.js", "pkg-a")
	res, _ = r.Resolve("https://mirror.example/a.js", "", nil)
	if res.Kind != Available || res.ID != "pkg-a" {
		t.Fatalf("mirror URL resolved to %+v, want Available pkg-a", res)
	}

	want := map[string]string{
		"https://cdn.example/a.js":    "pkg-a",
		"https://mirror.example/a.js": "pkg-a",
	}
	if got := r.KnownURLs(); !reflect.DeepEqual(got, want) {
		t.Errorf("KnownURLs() = %v, want %v", got, want)
	}

	// Unregister prunes every URL bound to the id, and the URL is
	// refetchable again.
	r.Unregister("pkg-a")
	if got := r.KnownURLs(); len(got) != 0 {
		t.Errorf("KnownURLs() after Unregister = %v, want empty", got)
	}
	res, _ = r.Resolve("https://cdn.example/a.js", "", nil)
	if res.Kind != NeedFetch {
		t.Errorf("unregistered URL resolved to %+v, want NeedFetch", res)
	}
}

func TestDefaultResolverURLBoundToUnregisteredID(t *testing.T) {
	// A URL binding whose id was never registered (or was unregistered out
	// from under it) must not come back Available: the wrapper it names no
	// longer exists, so the caller has to refetch.
	r := NewDefaultResolver()
	r.knownURLs["https://cdn.example/a.js"] = "ghost"

	res, err := r.Resolve("https://cdn.example/a.js", "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != NeedFetch {
		t.Errorf("resolved to %+v, want NeedFetch for URL bound to unknown id", res)
	}
}

// memStore is an in-memory ResolverStore for exercising the persistence
// hooks without a database.
type memStore struct {
	mu       sync.Mutex
	bindings map[string]string
	loadErr  error
}

func (s *memStore) Load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(url, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[url] = id
	return nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u, bound := range s.bindings {
		if bound == id {
			delete(s.bindings, u)
		}
	}
	return nil
}

func TestDefaultResolverWithStore(t *testing.T) {
	store := &memStore{bindings: map[string]string{
		"https://cdn.example/a.js": "pkg-a",
	}}

	r, err := NewDefaultResolverWithStore(store)
	if err != nil {
		t.Fatalf("NewDefaultResolverWithStore: %v", err)
	}

	// Hydration restores the URL->id mapping but not Available-ness: the
	// new process hasn't rebuilt any wrappers yet.
	if got := r.KnownURLs(); got["https://cdn.example/a.js"] != "pkg-a" {
		t.Fatalf("KnownURLs() = %v, want hydrated binding", got)
	}
	res, _ := r.Resolve("https://cdn.example/a.js", "", nil)
	if res.Kind != NeedFetch {
		t.Fatalf("hydrated URL resolved to %+v, want NeedFetch before RegisterID", res)
	}

	r.RegisterID("pkg-a")
	res, _ = r.Resolve("https://cdn.example/a.js", "", nil)
	if res.Kind != Available || res.ID != "pkg-a" {
		t.Fatalf("hydrated URL resolved to %+v after RegisterID, want Available pkg-a", res)
	}

	// New bindings are written through.
	r.RegisterResolvedURL("https://cdn.example/b.js", "pkg-b")
	if store.bindings["https://cdn.example/b.js"] != "pkg-b" {
		t.Errorf("RegisterResolvedURL did not write through to the store: %v", store.bindings)
	}

	// Unregister deletes from the store too.
	r.Unregister("pkg-a")
	if _, ok := store.bindings["https://cdn.example/a.js"]; ok {
		t.Errorf("Unregister left binding in store: %v", store.bindings)
	}
}

func TestDefaultResolverWithStoreLoadError(t *testing.T) {
	store := &memStore{loadErr: errors.New("disk gone")}
	if _, err := NewDefaultResolverWithStore(store); err == nil {
		t.Fatal("NewDefaultResolverWithStore: want error when store.Load fails")
	}
}
