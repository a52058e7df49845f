package kdl

import "motya/internal/kdlvalue"

// Prop is a single key=value property attached to a node. Node.Props keeps
// them in the order they were written.
type Prop struct {
	Key     string
	KeySpan kdlvalue.Span
	Value   kdlvalue.Value
}

// Node is one line of a KDL document: a name, positional arguments, typed
// properties and an optional block of child nodes.
type Node struct {
	Name     string
	NameSpan kdlvalue.Span
	Args     []kdlvalue.Value
	Props    []Prop
	Children []*Node
	Span     kdlvalue.Span
}

// Prop looks up a property by key, returning ok=false if the node has none
// by that name. Later duplicate keys win, matching KDL's documented
// shadowing behavior.
func (n *Node) Prop(key string) (kdlvalue.Value, bool) {
	var v kdlvalue.Value
	found := false
	for _, p := range n.Props {
		if p.Key == key {
			v = p.Value
			found = true
		}
	}
	return v, found
}

// Child returns the first direct child named name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every direct child named name, in document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Document is the root of a parsed KDL file: a flat sequence of top-level
// nodes, e.g. `system`, `definitions` and `services` in a motya config file.
type Document struct {
	Nodes []*Node
}

// TopLevel returns the first top-level node named name, or nil.
func (d *Document) TopLevel(name string) *Node {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}
