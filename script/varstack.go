package script

import (
	"github.com/pkg/errors"

	"github.com/chazu/ncsdecomp/pkg/stack"
	"github.com/chazu/ncsdecomp/pkg/types"
)

// ErrNestedComposite is returned when a composite would be built from
// members of another live composite. It is fatal to the subroutine.
var ErrNestedComposite = errors.New("script: composite of composite members")

// VarStack carries variables, constants and temporaries while a
// subroutine is structured.
type VarStack = stack.Stack[Entry]

var varLayout = &stack.Layout[Entry]{
	Slots: func(e Entry) int { return e.Slots() },
	Split: splitEntry,
	Join:  joinEntries,
}

// NewVarStack creates an empty variable stack.
func NewVarStack() *VarStack {
	return stack.New(varLayout)
}

func splitEntry(e Entry) []Entry {
	switch x := e.(type) {
	case *VarStruct:
		out := make([]Entry, len(x.Members))
		for i, m := range x.Members {
			out[i] = m
		}
		return out
	case *Variable:
		if !x.IsTemp() || x.Slots() < 2 {
			return nil
		}
		// a temporary composite splits into element reads of its value
		elems := x.T.Elements()
		out := make([]Entry, len(elems))
		for i, t := range elems {
			out[i] = Temp(&MemberExpr{X: x.Value, Index: i, T: t})
		}
		return out
	}
	return nil
}

func joinEntries(parts []Entry) (Entry, error) {
	named := true
	for _, p := range parts {
		switch x := p.(type) {
		case *VarStruct:
		case *Variable:
			if x.IsTemp() {
				named = false
			}
		default:
			named = false
		}
	}
	if !named {
		return joinValues(parts), nil
	}

	var members []*Variable
	for _, p := range parts {
		switch x := p.(type) {
		case *VarStruct:
			members = append(members, x.Members...)
		case *Variable:
			members = append(members, x)
		}
	}
	if parent := members[0].Parent; parent != nil {
		if len(members) != len(parent.Members) {
			return nil, errors.Wrapf(ErrNestedComposite, "%d slots of %s", len(members), parent.Ident())
		}
		for i, m := range members {
			if m != parent.Members[i] {
				return nil, errors.Wrapf(ErrNestedComposite, "%s mixed with other members", parent.Ident())
			}
		}
		return parent, nil
	}

	ts := make([]types.Type, len(members))
	for i, m := range members {
		if m.Parent != nil {
			return nil, errors.Wrapf(ErrNestedComposite, "%s joined into a new composite", m.Ident())
		}
		ts[i] = m.T
	}
	s := &VarStruct{T: types.Composite(ts), Decl: NoNode, Members: members}
	for i, m := range members {
		m.Parent = s
		m.Index = i
	}
	return s, nil
}

// joinValues builds a composite temporary from values.
func joinValues(parts []Entry) Entry {
	exprs := make([]Expr, len(parts))
	ts := make([]types.Type, len(parts))
	for i, p := range parts {
		exprs[i] = ExprOf(p)
		ts[i] = p.Type()
		Consume(p)
	}
	t := types.Composite(ts)
	return Temp(&CompositeExpr{Members: exprs, T: t})
}
