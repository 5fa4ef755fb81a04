package script

import (
	"github.com/chazu/ncsdecomp/pkg/types"
)

// Flags describe a variable's role.
type Flags uint8

const (
	FlagParam Flags = 1 << iota
	FlagReturn
	FlagAssigned
	FlagGlobal
	FlagConsumed // a temporary whose value has been used
)

// Entry is a value on the variable stack.
type Entry interface {
	Type() types.Type
	Slots() int
}

// Named is an entry that can be referenced by name.
type Named interface {
	Entry
	Ident() string
}

// Constant is a literal pushed by CONST.
type Constant struct {
	Value    *ConstExpr
	Consumed bool
}

func (c *Constant) Type() types.Type { return c.Value.T }
func (c *Constant) Slots() int       { return 1 }

// Variable is a single-slot or whole-value variable. A Variable without a
// name is a temporary: the intermediate result of an expression, carried
// in Value until it is consumed.
type Variable struct {
	T     types.Type
	Name  string
	Flags Flags
	Value Expr
	Decl  NodeID // declaring node, NoNode if none

	Parent *VarStruct
	Index  int // member index in Parent
}

// Temp returns a temporary holding e.
func Temp(e Expr) *Variable {
	return &Variable{T: e.Type(), Value: e, Decl: NoNode}
}

func (v *Variable) Type() types.Type { return v.T }
func (v *Variable) Slots() int       { return v.T.Slots() }

// IsTemp reports whether v is an unnamed intermediate value.
func (v *Variable) IsTemp() bool { return v.Name == "" && v.Parent == nil }

func (v *Variable) Has(f Flags) bool { return v.Flags&f != 0 }
func (v *Variable) Set(f Flags)      { v.Flags |= f }

// Ident returns the name used in source, qualified by the parent struct.
func (v *Variable) Ident() string {
	if v.Parent != nil {
		return v.Parent.Ident() + "." + MemberName(v.Parent.T, v.Index)
	}
	return v.Name
}

// VarStruct is a named composite whose members are single-slot
// Variables, deepest first.
type VarStruct struct {
	T       types.Type
	Name    string
	Flags   Flags
	Decl    NodeID
	Members []*Variable
}

// NewVarStruct creates a struct of type t with fresh members.
func NewVarStruct(name string, t types.Type, flags Flags) *VarStruct {
	s := &VarStruct{T: t, Name: name, Flags: flags, Decl: NoNode}
	for i, m := range t.Flatten() {
		s.Members = append(s.Members, &Variable{T: m, Flags: flags, Decl: NoNode, Parent: s, Index: i})
	}
	return s
}

func (s *VarStruct) Type() types.Type { return s.T }
func (s *VarStruct) Slots() int       { return len(s.Members) }
func (s *VarStruct) Ident() string    { return s.Name }
func (s *VarStruct) Has(f Flags) bool { return s.Flags&f != 0 }
func (s *VarStruct) Set(f Flags)      { s.Flags |= f }

// NewVar creates a named variable of type t: a VarStruct when t spans
// several slots, a Variable otherwise.
func NewVar(name string, t types.Type, flags Flags) Named {
	if t.Slots() > 1 {
		return NewVarStruct(name, t, flags)
	}
	return &Variable{T: t, Name: name, Flags: flags, Decl: NoNode}
}

// ExprOf returns the expression that reads e.
func ExprOf(e Entry) Expr {
	switch x := e.(type) {
	case *Constant:
		return x.Value
	case *Variable:
		if x.IsTemp() {
			return x.Value
		}
		return &VarRef{V: x}
	case *VarStruct:
		return &VarRef{V: x}
	}
	return nil
}

// Consume marks a temporary or constant as used.
func Consume(e Entry) {
	switch x := e.(type) {
	case *Constant:
		x.Consumed = true
	case *Variable:
		if x.IsTemp() {
			x.Set(FlagConsumed)
		}
	}
}

// Consumed reports whether a temporary or constant has been used. Named
// variables always report true.
func Consumed(e Entry) bool {
	switch x := e.(type) {
	case *Constant:
		return x.Consumed
	case *Variable:
		return !x.IsTemp() || x.Has(FlagConsumed)
	}
	return true
}
