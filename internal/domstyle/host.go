// Package domstyle implements polestar.StyleHost over an in-memory HTML
// document tree, using golang.org/x/net/html the same way the module's
// HTML-rewriting code walks and mutates markup, but via the full Parse/
// Render tree API rather than the streaming tokenizer, since StyleHost
// needs to find-or-create a single persistent node per module id rather
// than transform a one-shot response body.
package domstyle

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dataAttr is the dataset marker every style node owned by a Host carries,
// setting its nodes apart from a page's pre-existing <style> elements in
// the rendered markup. Host itself tracks its nodes by id in Host.nodes,
// not by searching for this attribute.
const dataAttr = "data-polestar-style-node"

// Host is a polestar.StyleHost backed by a parsed HTML document. One
// <style id=id data-polestar-style-node> node lives under <head> per
// module id that has ever called SetStyle; re-calling SetStyle for the
// same id replaces that node's text content in place.
type Host struct {
	mu    sync.Mutex
	doc   *html.Node
	head  *html.Node
	nodes map[string]*html.Node // module id -> its <style> node
}

// New parses docHTML into a document tree and returns a Host that mutates
// it in place. An empty docHTML starts from a minimal <html><head></head>
// <body></body></html> skeleton.
func New(docHTML string) (*Host, error) {
	if docHTML == "" {
		docHTML = "<html><head></head><body></body></html>"
	}
	doc, err := html.Parse(bytes.NewReader([]byte(docHTML)))
	if err != nil {
		return nil, fmt.Errorf("domstyle: parsing document: %w", err)
	}

	h := &Host{doc: doc, nodes: make(map[string]*html.Node)}
	h.head = findOrCreateHead(doc)
	return h, nil
}

// SetStyle implements polestar.StyleHost.
func (h *Host) SetStyle(id, css string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[id]
	if !ok {
		node = &html.Node{
			Type: html.ElementNode,
			Data: "style",
			Attr: []html.Attribute{
				{Key: "id", Val: id},
				{Key: dataAttr, Val: ""},
			},
		}
		h.head.AppendChild(node)
		h.nodes[id] = node
	}

	for c := node.FirstChild; c != nil; {
		next := c.NextSibling
		node.RemoveChild(c)
		c = next
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return nil
}

// RemoveStyle implements polestar.StyleHost.
func (h *Host) RemoveStyle(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[id]
	if !ok {
		return
	}
	h.head.RemoveChild(node)
	delete(h.nodes, id)
}

// Render serializes the current document tree back to HTML.
func (h *Host) Render() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf bytes.Buffer
	if err := html.Render(&buf, h.doc); err != nil {
		return "", fmt.Errorf("domstyle: rendering document: %w", err)
	}
	return buf.String(), nil
}

func findOrCreateHead(doc *html.Node) *html.Node {
	var htmlNode *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				htmlNode = n
				return
			case atom.Html:
				if htmlNode == nil {
					htmlNode = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if htmlNode != nil && htmlNode.DataAtom == atom.Head {
				return
			}
			walk(c)
		}
	}
	walk(doc)

	if htmlNode != nil && htmlNode.DataAtom == atom.Head {
		return htmlNode
	}

	// No <head> found; create one under <html> (or the document itself).
	parent := htmlNode
	if parent == nil {
		parent = doc
	}
	head := &html.Node{Type: html.ElementNode, Data: "head", DataAtom: atom.Head}
	parent.InsertBefore(head, parent.FirstChild)
	return head
}
