// Package types describes script value types and their stack footprint.
package types

import (
	"fmt"
	"strings"

	"github.com/chazu/ncsdecomp/pkg/bytecode"
)

// Kind is the primitive tag of a Type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindString
	KindObject
	KindVector
	KindEngine // engine structure; Type.Engine selects which
	KindAction
	KindStruct
	KindUnknown
)

// Type is a script type. Structs carry their member types in slot order,
// deepest slot first.
type Type struct {
	Kind    Kind
	Engine  uint8
	Members []Type
}

var (
	Void    = Type{Kind: KindVoid}
	Int     = Type{Kind: KindInt}
	Float   = Type{Kind: KindFloat}
	String  = Type{Kind: KindString}
	Object  = Type{Kind: KindObject}
	Vector  = Type{Kind: KindVector}
	Action  = Type{Kind: KindAction}
	Unknown = Type{Kind: KindUnknown}

	Effect       = EngineType(0)
	Event        = EngineType(1)
	Location     = EngineType(2)
	Talent       = EngineType(3)
	ItemProperty = EngineType(4)
)

var engineNames = [...]string{
	"effect", "event", "location", "talent", "itemproperty",
	"sqlquery", "cassowary", "json", "engine8", "engine9",
}

// EngineType returns the engine structure type with index n.
func EngineType(n uint8) Type {
	return Type{Kind: KindEngine, Engine: n}
}

// Struct returns a struct type with the given members.
func Struct(members ...Type) Type {
	ms := make([]Type, len(members))
	copy(ms, members)
	return Type{Kind: KindStruct, Members: ms}
}

// Composite groups member types into one value type. Three floats form a
// vector, anything else a struct. A single member is returned unchanged.
func Composite(members []Type) Type {
	if len(members) == 1 {
		return members[0]
	}
	if len(members) == 3 && members[0].Kind == KindFloat && members[1].Kind == KindFloat && members[2].Kind == KindFloat {
		return Vector
	}
	return Struct(members...)
}

// Slots returns the number of stack slots a value of this type occupies.
func (t Type) Slots() int {
	switch t.Kind {
	case KindVoid, KindAction:
		return 0
	case KindVector:
		return 3
	case KindStruct:
		n := 0
		for _, m := range t.Members {
			n += m.Slots()
		}
		return n
	}
	return 1
}

// IsComposite reports whether the type spans more than one slot by
// construction.
func (t Type) IsComposite() bool {
	return t.Kind == KindVector || t.Kind == KindStruct
}

// IsKnown reports whether the type and all of its members are resolved.
func (t Type) IsKnown() bool {
	if t.Kind == KindUnknown {
		return false
	}
	for _, m := range t.Members {
		if !m.IsKnown() {
			return false
		}
	}
	return true
}

// Flatten returns the per-slot types of t, deepest slot first.
func (t Type) Flatten() []Type {
	switch t.Kind {
	case KindVoid, KindAction:
		return nil
	case KindVector:
		return []Type{Float, Float, Float}
	case KindStruct:
		var out []Type
		for _, m := range t.Members {
			out = append(out, m.Flatten()...)
		}
		return out
	}
	return []Type{t}
}

// Elements returns the direct members of a composite: three floats for a
// vector, the member list for a struct, or t itself otherwise.
func (t Type) Elements() []Type {
	switch t.Kind {
	case KindVector:
		return []Type{Float, Float, Float}
	case KindStruct:
		return t.Members
	}
	return []Type{t}
}

// Equal reports structural equality.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Engine != o.Engine || len(t.Members) != len(o.Members) {
		return false
	}
	for i := range t.Members {
		if !t.Members[i].Equal(o.Members[i]) {
			return false
		}
	}
	return true
}

// Unify combines two observations of the same value. Unknown yields to
// anything; structs unify member-wise; a struct of three floats and a
// vector are the same thing. ok is false on a genuine conflict, in which
// case t is returned unchanged.
func (t Type) Unify(o Type) (Type, bool) {
	switch {
	case t.Kind == KindUnknown:
		return o, true
	case o.Kind == KindUnknown:
		return t, true
	case t.Kind == KindStruct && o.Kind == KindStruct:
		if len(t.Members) != len(o.Members) {
			return t, false
		}
		ms := make([]Type, len(t.Members))
		for i := range t.Members {
			m, ok := t.Members[i].Unify(o.Members[i])
			if !ok {
				return t, false
			}
			ms[i] = m
		}
		return Composite(ms), true
	case t.Kind == KindStruct && o.Kind == KindVector:
		return o.Unify(t)
	case t.Kind == KindVector && o.Kind == KindStruct:
		if len(o.Members) != 3 {
			return t, false
		}
		for _, m := range o.Members {
			if _, ok := Float.Unify(m); !ok {
				return t, false
			}
		}
		return Vector, true
	}
	return t, t.Equal(o)
}

// String returns the script spelling of the type.
func (t Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindVector:
		return "vector"
	case KindEngine:
		if int(t.Engine) < len(engineNames) {
			return engineNames[t.Engine]
		}
		return fmt.Sprintf("engine%d", t.Engine)
	case KindAction:
		return "action"
	case KindStruct:
		return "struct"
	}
	return "unknown"
}

// Describe is like String but spells out struct members.
func (t Type) Describe() string {
	if t.Kind != KindStruct {
		return t.String()
	}
	parts := make([]string, len(t.Members))
	for i, m := range t.Members {
		parts[i] = m.Describe()
	}
	return "struct{" + strings.Join(parts, ", ") + "}"
}

// Parse returns the type named by s, as written in action catalogs.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "void", "":
		return Void, nil
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	case "string":
		return String, nil
	case "object":
		return Object, nil
	case "vector":
		return Vector, nil
	case "action":
		return Action, nil
	case "unknown":
		return Unknown, nil
	}
	for i, n := range engineNames {
		if strings.EqualFold(s, n) {
			return EngineType(uint8(i)), nil
		}
	}
	return Unknown, fmt.Errorf("unknown type %q", s)
}

// FromCode returns the single-value type named by an RSADD or CONST qualifier.
func FromCode(tc bytecode.TypeCode) Type {
	switch {
	case tc == bytecode.TypeInt:
		return Int
	case tc == bytecode.TypeFloat:
		return Float
	case tc == bytecode.TypeString:
		return String
	case tc == bytecode.TypeObject:
		return Object
	case tc.IsEngine():
		return EngineType(uint8(tc - bytecode.TypeEffect))
	}
	return Unknown
}

// Operands returns the left and right operand types of a binary qualifier.
// Struct comparisons (TT) carry their width separately; see StructOperand.
func Operands(tc bytecode.TypeCode) (left, right Type) {
	switch {
	case tc == bytecode.TypeII:
		return Int, Int
	case tc == bytecode.TypeFF:
		return Float, Float
	case tc == bytecode.TypeOO:
		return Object, Object
	case tc == bytecode.TypeSS:
		return String, String
	case tc == bytecode.TypeIF:
		return Int, Float
	case tc == bytecode.TypeFI:
		return Float, Int
	case tc == bytecode.TypeVV:
		return Vector, Vector
	case tc == bytecode.TypeVF:
		return Vector, Float
	case tc == bytecode.TypeFV:
		return Float, Vector
	case tc.IsEnginePair():
		e := EngineType(uint8(tc - bytecode.TypeEngineEngine))
		return e, e
	}
	return Unknown, Unknown
}

// StructOperand returns an all-unknown struct n slots wide, the operand
// shape of a struct comparison.
func StructOperand(n int) Type {
	if n == 1 {
		return Unknown
	}
	ms := make([]Type, n)
	for i := range ms {
		ms[i] = Unknown
	}
	return Struct(ms...)
}

// Result returns the type produced by a binary or unary operator.
func Result(op bytecode.Opcode, tc bytecode.TypeCode) Type {
	switch op {
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		switch tc {
		case bytecode.TypeII:
			return Int
		case bytecode.TypeFF, bytecode.TypeIF, bytecode.TypeFI:
			return Float
		case bytecode.TypeSS:
			return String
		case bytecode.TypeVV, bytecode.TypeVF, bytecode.TypeFV:
			return Vector
		}
		return Unknown
	case bytecode.OpNeg:
		return FromCode(tc)
	}
	return Int
}

// UnaryOperand returns the operand type of NEG, COMP or NOT.
func UnaryOperand(op bytecode.Opcode, tc bytecode.TypeCode) Type {
	if op == bytecode.OpNeg {
		return FromCode(tc)
	}
	return Int
}
