package polestar

// StyleHost is the loader's only DOM coupling: one
// <style id=id data-polestar-style-node> element per module id, whose
// text content is replaced in place on every re-prepare of that id.
type StyleHost interface {
	// SetStyle creates the style node for id if it doesn't exist yet,
	// then replaces its text content with css.
	SetStyle(id, css string) error
	// RemoveStyle deletes the style node for id, if any. Called by
	// Loader.Unload for every pruned module id, with or without CSS.
	RemoveStyle(id string)
}

// NopStyleHost discards all CSS. It is the default when a Loader is
// constructed without a StyleHost, matching hosts that can't inject CSS.
type NopStyleHost struct{}

func (NopStyleHost) SetStyle(string, string) error { return nil }
func (NopStyleHost) RemoveStyle(string)            {}
