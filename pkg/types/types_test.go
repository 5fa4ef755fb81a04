package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/ncsdecomp/pkg/bytecode"
)

func TestSlots(t *testing.T) {
	assert.Equal(t, 0, Void.Slots())
	assert.Equal(t, 1, Int.Slots())
	assert.Equal(t, 1, Location.Slots())
	assert.Equal(t, 3, Vector.Slots())
	assert.Equal(t, 0, Action.Slots())
	assert.Equal(t, 5, Struct(Vector, Int, String).Slots())
}

func TestComposite(t *testing.T) {
	assert.True(t, Composite([]Type{Float, Float, Float}).Equal(Vector))
	assert.True(t, Composite([]Type{Int}).Equal(Int))

	s := Composite([]Type{Int, Float})
	require.Equal(t, KindStruct, s.Kind)
	assert.Equal(t, "struct{int, float}", s.Describe())
	assert.Equal(t, []Type{Int, Float}, s.Flatten())
}

func TestUnify(t *testing.T) {
	got, ok := Unknown.Unify(Int)
	assert.True(t, ok)
	assert.True(t, got.Equal(Int))

	got, ok = Float.Unify(Unknown)
	assert.True(t, ok)
	assert.True(t, got.Equal(Float))

	_, ok = Int.Unify(String)
	assert.False(t, ok, "int and string must conflict")

	got, ok = Struct(Unknown, Unknown, Float).Unify(Vector)
	assert.True(t, ok)
	assert.True(t, got.Equal(Vector))

	got, ok = Struct(Unknown, String).Unify(Struct(Int, Unknown))
	assert.True(t, ok)
	assert.Equal(t, "struct{int, string}", got.Describe())

	_, ok = Struct(Int, Int).Unify(Struct(Int))
	assert.False(t, ok)
}

func TestIsKnown(t *testing.T) {
	assert.True(t, Int.IsKnown())
	assert.False(t, Unknown.IsKnown())
	assert.False(t, Struct(Int, Unknown).IsKnown())
}

func TestStringAndParse(t *testing.T) {
	for _, ty := range []Type{Void, Int, Float, String, Object, Vector, Action, Effect, Event, Location, Talent, ItemProperty} {
		parsed, err := Parse(ty.String())
		require.NoError(t, err, ty.String())
		assert.True(t, parsed.Equal(ty), "Parse(%q)", ty.String())
	}
	assert.Equal(t, "unknown", Unknown.String())

	_, err := Parse("matrix")
	assert.Error(t, err)
}

func TestFromCode(t *testing.T) {
	assert.True(t, FromCode(bytecode.TypeInt).Equal(Int))
	assert.True(t, FromCode(bytecode.TypeString).Equal(String))
	assert.True(t, FromCode(bytecode.TypeLocation).Equal(Location))
	assert.True(t, FromCode(bytecode.TypeII).Equal(Unknown))
}

func TestOperandsAndResult(t *testing.T) {
	l, r := Operands(bytecode.TypeVF)
	assert.True(t, l.Equal(Vector))
	assert.True(t, r.Equal(Float))

	l, r = Operands(bytecode.TypeEngineEngine + 2)
	assert.True(t, l.Equal(Location))
	assert.True(t, r.Equal(Location))

	assert.True(t, Result(bytecode.OpAdd, bytecode.TypeSS).Equal(String))
	assert.True(t, Result(bytecode.OpMul, bytecode.TypeFV).Equal(Vector))
	assert.True(t, Result(bytecode.OpDiv, bytecode.TypeIF).Equal(Float))
	assert.True(t, Result(bytecode.OpLT, bytecode.TypeFF).Equal(Int))
	assert.True(t, Result(bytecode.OpNeg, bytecode.TypeFloat).Equal(Float))
	assert.True(t, UnaryOperand(bytecode.OpNot, bytecode.TypeInt).Equal(Int))

	assert.Equal(t, 4, StructOperand(4).Slots())
}
