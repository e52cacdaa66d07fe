package models

import (
	"fmt"
)

// Arena is a flat table of processing documents with parent/child links held
// as indices. A node can only be added after its parent, so the hierarchy is
// acyclic by construction and traversals are iterative.
type Arena struct {
	nodes []arenaNode
	index map[string]int
}

type arenaNode struct {
	doc      *ProcessingDocument
	parent   int
	children []int
}

func NewArena() *Arena {
	return &Arena{index: make(map[string]int)}
}

// Add appends doc. Its parent, if any, must already be present.
func (a *Arena) Add(doc *ProcessingDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("processing document has no id")
	}
	if _, ok := a.index[doc.ID]; ok {
		return fmt.Errorf("processing document %s already in arena", doc.ID)
	}
	parent := -1
	if doc.ParentID != "" {
		if doc.ParentID == doc.ID {
			return fmt.Errorf("processing document %s references itself as parent", doc.ID)
		}
		p, ok := a.index[doc.ParentID]
		if !ok {
			return fmt.Errorf("parent %s of %s is not in arena", doc.ParentID, doc.ID)
		}
		parent = p
	}
	idx := len(a.nodes)
	a.nodes = append(a.nodes, arenaNode{doc: doc, parent: parent})
	a.index[doc.ID] = idx
	if parent >= 0 {
		a.nodes[parent].children = append(a.nodes[parent].children, idx)
	}
	return nil
}

// BuildArena inserts docs in dependency order regardless of input order.
// Documents whose parent never appears (or that form a cycle) are an error.
func BuildArena(docs []*ProcessingDocument) (*Arena, error) {
	a := NewArena()
	pending := docs
	for len(pending) > 0 {
		var next []*ProcessingDocument
		for _, d := range pending {
			if d.ParentID != "" {
				if _, ok := a.index[d.ParentID]; !ok {
					next = append(next, d)
					continue
				}
			}
			if err := a.Add(d); err != nil {
				return nil, err
			}
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("%d processing documents reference a missing parent or form a cycle", len(next))
		}
		pending = next
	}
	return a, nil
}

func (a *Arena) Len() int {
	return len(a.nodes)
}

func (a *Arena) Get(id string) (*ProcessingDocument, bool) {
	i, ok := a.index[id]
	if !ok {
		return nil, false
	}
	return a.nodes[i].doc, true
}

// Parent returns the parent of id, or nil for roots and unknown ids.
func (a *Arena) Parent(id string) *ProcessingDocument {
	i, ok := a.index[id]
	if !ok || a.nodes[i].parent < 0 {
		return nil
	}
	return a.nodes[a.nodes[i].parent].doc
}

// Children returns the direct children of id in insertion order.
func (a *Arena) Children(id string) []*ProcessingDocument {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	out := make([]*ProcessingDocument, 0, len(a.nodes[i].children))
	for _, c := range a.nodes[i].children {
		out = append(out, a.nodes[c].doc)
	}
	return out
}

// Root walks parent indices up to the top of the family.
func (a *Arena) Root(id string) *ProcessingDocument {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	for a.nodes[i].parent >= 0 {
		i = a.nodes[i].parent
	}
	return a.nodes[i].doc
}

// Descendants returns every document below id, breadth first.
func (a *Arena) Descendants(id string) []*ProcessingDocument {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	var out []*ProcessingDocument
	queue := append([]int(nil), a.nodes[i].children...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, a.nodes[n].doc)
		queue = append(queue, a.nodes[n].children...)
	}
	return out
}

// IsAncestor reports whether ancestor is above id in the hierarchy.
func (a *Arena) IsAncestor(ancestor, id string) bool {
	i, ok := a.index[id]
	if !ok {
		return false
	}
	for a.nodes[i].parent >= 0 {
		i = a.nodes[i].parent
		if a.nodes[i].doc.ID == ancestor {
			return true
		}
	}
	return false
}

// All returns the documents in insertion order; parents precede children.
func (a *Arena) All() []*ProcessingDocument {
	out := make([]*ProcessingDocument, len(a.nodes))
	for i, n := range a.nodes {
		out[i] = n.doc
	}
	return out
}
