package script

import (
	"fmt"
	"strings"
)

// NodeID addresses a node in a Tree.
type NodeID int32

// NoNode is the nil NodeID.
const NoNode NodeID = -1

// Kind is the statement kind of a node.
type Kind uint8

const (
	KindSub Kind = iota
	KindIf
	KindElse
	KindWhile
	KindDo
	KindSwitch
	KindCase
	KindDefault
	KindVarDecl
	KindExpr
	KindReturn
	KindBreak
	KindContinue
	KindLoopControl // break or continue, decided when the loop closes
	KindError
	KindDeadCode
	KindArg // holds the statements of a closure argument being built
)

var kindNames = [...]string{
	KindSub:         "sub",
	KindIf:          "if",
	KindElse:        "else",
	KindWhile:       "while",
	KindDo:          "do",
	KindSwitch:      "switch",
	KindCase:        "case",
	KindDefault:     "default",
	KindVarDecl:     "decl",
	KindExpr:        "expr",
	KindReturn:      "return",
	KindBreak:       "break",
	KindContinue:    "continue",
	KindLoopControl: "loop-control",
	KindError:       "error",
	KindDeadCode:    "dead-code",
	KindArg:         "arg",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Node is one statement. Blocks cover the byte range [Start, End).
type Node struct {
	Kind     Kind
	Parent   NodeID
	Children []NodeID
	Start    int
	End      int

	Cond    Expr   // if, while, do
	X       Expr   // expr statement, return value, switch discriminant, case label
	Var     Named  // declaration
	Init    Expr   // declaration initializer
	Message string // error text
	Dest    int    // if: target of the jump over its else; loop-control: jump target
}

// Tree is an arena of nodes rooted at a Sub node.
type Tree struct {
	Name    string
	Root    NodeID
	Residue int // slots left on the variable stack at the end

	nodes   []Node
	marked  bool
	mark    int
	journal []edit
}

// edit is the state of a node before its first change since Mark.
type edit struct {
	id NodeID
	n  Node
}

// NewTree creates a tree whose root covers [start, end).
func NewTree(name string, start, end int) *Tree {
	t := &Tree{Name: name}
	t.nodes = append(t.nodes, Node{Kind: KindSub, Parent: NoNode, Start: start, End: end})
	t.Root = 0
	return t
}

// Add appends n as the last child of parent and returns its id.
func (t *Tree) Add(parent NodeID, n Node) NodeID {
	id := NodeID(len(t.nodes))
	n.Parent = parent
	t.nodes = append(t.nodes, n)
	if parent != NoNode {
		p := &t.nodes[parent]
		p.Children = append(p.Children, id)
	}
	return id
}

// Node returns the node with id. The pointer is invalidated by Add.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// Children returns the children of id.
func (t *Tree) Children(id NodeID) []NodeID {
	return t.nodes[id].Children
}

// LastChild returns the last child of id, or NoNode.
func (t *Tree) LastChild(id NodeID) NodeID {
	c := t.nodes[id].Children
	if len(c) == 0 {
		return NoNode
	}
	return c[len(c)-1]
}

// Edit returns the node with id for modification. Changes made through
// Edit since the last Mark are undone by Rollback.
func (t *Tree) Edit(id NodeID) *Node {
	if t.marked && int(id) < t.mark {
		n := t.nodes[id]
		n.Children = append([]NodeID(nil), n.Children...)
		t.journal = append(t.journal, edit{id: id, n: n})
	}
	return &t.nodes[id]
}

// Detach removes id from its parent. The node stays in the arena.
func (t *Tree) Detach(id NodeID) {
	p := t.nodes[id].Parent
	if p == NoNode {
		return
	}
	c := t.Edit(p).Children
	for i, x := range c {
		if x == id {
			t.nodes[p].Children = append(c[:i:i], c[i+1:]...)
			break
		}
	}
	t.Edit(id).Parent = NoNode
}

// Mark returns a rollback point and starts recording edits.
func (t *Tree) Mark() int {
	t.marked = true
	t.mark = len(t.nodes)
	t.journal = t.journal[:0]
	return t.mark
}

// Rollback discards every node created after mark and undoes the edits
// recorded since the last Mark.
func (t *Tree) Rollback(mark int) {
	for k := len(t.journal) - 1; k >= 0; k-- {
		j := t.journal[k]
		t.nodes[j.id] = j.n
	}
	t.journal = t.journal[:0]
	t.marked = false
	if mark >= len(t.nodes) {
		return
	}
	t.nodes = t.nodes[:mark]
	for i := range t.nodes {
		c := t.nodes[i].Children
		kept := c[:0:0]
		for _, id := range c {
			if int(id) < mark {
				kept = append(kept, id)
			}
		}
		if len(kept) != len(c) {
			t.nodes[i].Children = kept
		}
	}
}

// Walk visits attached nodes depth first. Returning false from fn skips
// the node's children.
func (t *Tree) Walk(fn func(id NodeID, depth int) bool) {
	var walk func(id NodeID, depth int)
	walk = func(id NodeID, depth int) {
		if !fn(id, depth) {
			return
		}
		for _, c := range t.nodes[id].Children {
			walk(c, depth+1)
		}
	}
	walk(t.Root, 0)
}

// Count returns the number of attached nodes of kind k.
func (t *Tree) Count(k Kind) int {
	n := 0
	t.Walk(func(id NodeID, _ int) bool {
		if t.nodes[id].Kind == k {
			n++
		}
		return true
	})
	return n
}

// Find returns the attached nodes of kind k in walk order.
func (t *Tree) Find(k Kind) []NodeID {
	var out []NodeID
	t.Walk(func(id NodeID, _ int) bool {
		if t.nodes[id].Kind == k {
			out = append(out, id)
		}
		return true
	})
	return out
}

// Line renders one node without its children.
func (t *Tree) Line(id NodeID) string {
	n := &t.nodes[id]
	switch n.Kind {
	case KindSub:
		return t.Name
	case KindIf:
		return "if (" + str(n.Cond) + ")"
	case KindWhile:
		return "while (" + str(n.Cond) + ")"
	case KindDo:
		return "do while (" + str(n.Cond) + ")"
	case KindSwitch:
		return "switch (" + str(n.X) + ")"
	case KindCase:
		return "case " + str(n.X) + ":"
	case KindDefault:
		return "default:"
	case KindVarDecl:
		s := "decl " + n.Var.Type().Describe() + " " + n.Var.Ident()
		if n.Init != nil {
			s += " = " + n.Init.String()
		}
		return s
	case KindExpr:
		return "expr " + str(n.X)
	case KindReturn:
		if n.X != nil {
			return "return " + n.X.String()
		}
		return "return"
	case KindLoopControl:
		return fmt.Sprintf("loop-control %04X", n.Dest)
	case KindError:
		return "error: " + n.Message
	case KindDeadCode:
		return fmt.Sprintf("dead-code %04X-%04X", n.Start, n.End)
	}
	return n.Kind.String()
}

// Dump renders the tree one node per line, indented by depth.
func (t *Tree) Dump() string {
	var sb strings.Builder
	t.Walk(func(id NodeID, depth int) bool {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(t.Line(id))
		sb.WriteByte('\n')
		return true
	})
	return sb.String()
}

// Equal reports whether two trees have the same shape and content.
func (t *Tree) Equal(o *Tree) bool {
	if t.Residue != o.Residue {
		return false
	}
	return t.Dump() == o.Dump()
}

func str(e Expr) string {
	if e == nil {
		return "?"
	}
	return e.String()
}
