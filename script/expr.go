// Package script is the output model of the decompiler: expressions,
// variables, the variable-carrying stack used while structuring, and the
// statement tree.
package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/ncsdecomp/pkg/types"
)

// Expr is an expression in the reconstructed source.
type Expr interface {
	Type() types.Type
	String() string
}

// ConstExpr is a literal.
type ConstExpr struct {
	T     types.Type
	Int   int32
	Float float32
	Str   string
}

func (c *ConstExpr) Type() types.Type { return c.T }

func (c *ConstExpr) String() string {
	switch c.T.Kind {
	case types.KindFloat:
		s := strconv.FormatFloat(float64(c.Float), 'f', -1, 32)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		return s
	case types.KindString:
		return strconv.Quote(c.Str)
	case types.KindObject:
		switch c.Int {
		case 0:
			return "OBJECT_SELF"
		case 1:
			return "OBJECT_INVALID"
		}
	}
	return strconv.Itoa(int(c.Int))
}

// VarRef reads a named variable or struct.
type VarRef struct {
	V Named
}

func (r *VarRef) Type() types.Type { return r.V.Type() }
func (r *VarRef) String() string   { return r.V.Ident() }

// MemberExpr selects element Index of a composite value.
type MemberExpr struct {
	X     Expr
	Index int
	T     types.Type
}

func (m *MemberExpr) Type() types.Type { return m.T }

func (m *MemberExpr) String() string {
	return wrap(m.X) + "." + MemberName(m.X.Type(), m.Index)
}

// MemberName names element i of a composite of type t.
func MemberName(t types.Type, i int) string {
	if t.Kind == types.KindVector && i < 3 {
		return [...]string{"x", "y", "z"}[i]
	}
	return fmt.Sprintf("m%d", i)
}

// BinaryExpr is X Op Y.
type BinaryExpr struct {
	Op   string
	X, Y Expr
	T    types.Type
}

func (b *BinaryExpr) Type() types.Type { return b.T }
func (b *BinaryExpr) String() string   { return wrap(b.X) + " " + b.Op + " " + wrap(b.Y) }

// UnaryExpr is Op X.
type UnaryExpr struct {
	Op string
	X  Expr
	T  types.Type
}

func (u *UnaryExpr) Type() types.Type { return u.T }
func (u *UnaryExpr) String() string   { return u.Op + wrap(u.X) }

// IncDec is ++X, --X, X++ or X--.
type IncDec struct {
	Op     string // "++" or "--"
	Prefix bool
	X      Expr
}

func (d *IncDec) Type() types.Type { return types.Int }

func (d *IncDec) String() string {
	if d.Prefix {
		return d.Op + d.X.String()
	}
	return d.X.String() + d.Op
}

// AssignExpr is Target = Value. It is an expression so that chained and
// embedded assignments survive.
type AssignExpr struct {
	Target Expr
	Value  Expr
}

func (a *AssignExpr) Type() types.Type { return a.Target.Type() }
func (a *AssignExpr) String() string   { return a.Target.String() + " = " + a.Value.String() }

// CallExpr calls an engine action or a subroutine.
type CallExpr struct {
	Name   string
	Args   []Expr
	T      types.Type
	Action bool
	ID     int // action id or subroutine id
}

func (c *CallExpr) Type() types.Type { return c.T }

func (c *CallExpr) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

// CompositeExpr builds a vector or struct from its members, deepest first.
type CompositeExpr struct {
	Members []Expr
	T       types.Type
}

func (c *CompositeExpr) Type() types.Type { return c.T }

func (c *CompositeExpr) String() string {
	parts := make([]string, len(c.Members))
	for i, m := range c.Members {
		parts[i] = m.String()
	}
	if c.T.Kind == types.KindVector {
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ClosureExpr is a deferred action argument.
type ClosureExpr struct {
	Body []Expr
}

func (c *ClosureExpr) Type() types.Type { return types.Action }

func (c *ClosureExpr) String() string {
	if len(c.Body) == 1 {
		return c.Body[0].String()
	}
	parts := make([]string, len(c.Body))
	for i, e := range c.Body {
		parts[i] = e.String()
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// Impure reports whether evaluating e has side effects, so that dropping
// its value must keep it as a statement.
func Impure(e Expr) bool {
	switch x := e.(type) {
	case *CallExpr, *AssignExpr, *IncDec:
		return true
	case *BinaryExpr:
		return Impure(x.X) || Impure(x.Y)
	case *UnaryExpr:
		return Impure(x.X)
	case *MemberExpr:
		return Impure(x.X)
	case *CompositeExpr:
		for _, m := range x.Members {
			if Impure(m) {
				return true
			}
		}
	}
	return false
}

func wrap(e Expr) string {
	switch e.(type) {
	case *BinaryExpr, *AssignExpr:
		return "(" + e.String() + ")"
	}
	return e.String()
}
