package node

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidNode   = errors.New("invalid node")
	ErrMalformedNode = errors.New("malformed node")
)

// Attr is a single attribute of a node. Order of attributes is significant
// on the wire, so nodes carry them as a slice rather than a map.
type Attr struct {
	Key   string
	Value string
}

// Attrs is an ordered attribute list
type Attrs []Attr

// Get returns the value for key and whether it was present
func (a Attrs) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Node is the tagged-tree unit of the wire protocol.
//
// Content and Children are mutually exclusive. A nil Content and nil Children
// means the node has no body; an empty non-nil slice is a body of length zero
// and survives a round trip as such.
type Node struct {
	Tag      string
	Attrs    Attrs
	Content  []byte
	Children []Node
}

// New creates a node with the given tag and attribute pairs.
// kv must contain an even number of strings.
func New(tag string, kv ...string) Node {
	n := Node{Tag: tag}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Attrs = append(n.Attrs, Attr{Key: kv[i], Value: kv[i+1]})
	}
	return n
}

// WithChildren returns a copy of n whose body is the given children
func (n Node) WithChildren(children ...Node) Node {
	n.Content = nil
	if children == nil {
		children = []Node{}
	}
	n.Children = children
	return n
}

// WithContent returns a copy of n whose body is the given bytes
func (n Node) WithContent(content []byte) Node {
	n.Children = nil
	if content == nil {
		content = []byte{}
	}
	n.Content = content
	return n
}

// GetAttr returns the attribute value or the empty string
func (n Node) GetAttr(key string) string {
	v, _ := n.Attrs.Get(key)
	return v
}

// HasAttr reports whether key is present
func (n Node) HasAttr(key string) bool {
	_, ok := n.Attrs.Get(key)
	return ok
}

// SetAttr sets key to value, replacing an existing attribute in place
func (n *Node) SetAttr(key, value string) {
	for i := range n.Attrs {
		if n.Attrs[i].Key == key {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, Attr{Key: key, Value: value})
}

// ID returns the correlation tag of the node
func (n Node) ID() string {
	return n.GetAttr("id")
}

// Child returns the first child with the given tag
func (n Node) Child(tag string) (Node, bool) {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c, true
		}
	}
	return Node{}, false
}

// ChildrenByTag returns all children with the given tag
func (n Node) ChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// ChildContent returns the binary body of the first child with tag
func (n Node) ChildContent(tag string) ([]byte, bool) {
	c, ok := n.Child(tag)
	if !ok || c.Content == nil {
		return nil, false
	}
	return c.Content, true
}

// Validate checks the structural invariants of n and its subtree
func (n Node) Validate() error {
	if n.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidNode)
	}
	if n.Content != nil && n.Children != nil {
		return fmt.Errorf("%w: <%s> has both content and children", ErrInvalidNode, n.Tag)
	}
	for _, a := range n.Attrs {
		if a.Key == "" {
			return fmt.Errorf("%w: <%s> has an attribute with empty key", ErrInvalidNode, n.Tag)
		}
	}
	for _, c := range n.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of n
func (n Node) Clone() Node {
	out := Node{Tag: n.Tag}
	if n.Attrs != nil {
		out.Attrs = make(Attrs, len(n.Attrs))
		copy(out.Attrs, n.Attrs)
	}
	if n.Content != nil {
		out.Content = make([]byte, len(n.Content))
		copy(out.Content, n.Content)
	}
	if n.Children != nil {
		out.Children = make([]Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Equal reports whether a and b are identical trees. A nil attribute list
// equals an empty one; body presence (nil vs empty) is significant.
func Equal(a, b Node) bool {
	if a.Tag != b.Tag || len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for i := range a.Attrs {
		if a.Attrs[i] != b.Attrs[i] {
			return false
		}
	}
	if (a.Content == nil) != (b.Content == nil) || !bytes.Equal(a.Content, b.Content) {
		return false
	}
	if (a.Children == nil) != (b.Children == nil) || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// String renders n as an XML-like string for logs
func (n Node) String() string {
	var sb strings.Builder
	n.render(&sb, 0)
	return sb.String()
}

func (n Node) render(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for _, a := range n.Attrs {
		fmt.Fprintf(sb, " %s=%q", a.Key, a.Value)
	}
	switch {
	case n.Content != nil:
		if printable(n.Content) {
			fmt.Fprintf(sb, ">%s</%s>", n.Content, n.Tag)
		} else {
			fmt.Fprintf(sb, "><!-- %d bytes --></%s>", len(n.Content), n.Tag)
		}
	case len(n.Children) > 0:
		sb.WriteString(">\n")
		for _, c := range n.Children {
			c.render(sb, depth+1)
			sb.WriteByte('\n')
		}
		sb.WriteString(indent)
		fmt.Fprintf(sb, "</%s>", n.Tag)
	default:
		sb.WriteString("/>")
	}
}

func printable(b []byte) bool {
	if len(b) > 256 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
