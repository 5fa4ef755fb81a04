package stack

import "github.com/chazu/ncsdecomp/pkg/types"

// TypeSlot is a type-stack entry. Ref records which caller-frame slot the
// value was copied from (1-based, 0 if none) so that a later use of the
// value can type the caller's parameter.
type TypeSlot struct {
	Type types.Type
	Ref  int
}

// TypeStack tracks value types during signature inference.
type TypeStack = Stack[TypeSlot]

var typeLayout = &Layout[TypeSlot]{
	Slots: func(e TypeSlot) int { return e.Type.Slots() },
	Split: func(e TypeSlot) []TypeSlot {
		elems := e.Type.Elements()
		if len(elems) < 2 {
			return nil
		}
		out := make([]TypeSlot, len(elems))
		ref := e.Ref
		for i, m := range elems {
			out[i] = TypeSlot{Type: m, Ref: ref}
			if ref > 0 {
				ref -= m.Slots()
				if ref < 1 {
					ref = 0
				}
			}
		}
		return out
	},
	Join: func(parts []TypeSlot) (TypeSlot, error) {
		ms := make([]types.Type, len(parts))
		for i, p := range parts {
			ms[i] = p.Type
		}
		ref := parts[0].Ref
		next := ref
		for _, p := range parts {
			if p.Ref != next {
				ref = 0
				break
			}
			next -= p.Type.Slots()
		}
		return TypeSlot{Type: types.Composite(ms), Ref: ref}, nil
	},
}

// NewTypeStack creates an empty type stack.
func NewTypeStack() *TypeStack {
	return New(typeLayout)
}

// Types returns the per-slot types of the top n slots, deepest first.
// Missing slots below the bottom are reported as unknown.
func Types(s *TypeStack, n int) []types.Type {
	out := make([]types.Type, 0, n)
	for off := n; off >= 1; off-- {
		e, member, ok := s.Peek(off)
		if !ok {
			out = append(out, types.Unknown)
			continue
		}
		flat := e.Type.Flatten()
		if member < len(flat) {
			out = append(out, flat[member])
		} else {
			out = append(out, types.Unknown)
		}
	}
	return out
}
