package infer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/signature"
)

type fixture struct {
	idx   *analysis.Index
	table *signature.Table
	sink  *diag.Collector
	rep   Report
}

func infer(t *testing.T, b *bytecode.Builder, opts Options) *fixture {
	t.Helper()
	prog, err := b.Build()
	require.NoError(t, err)
	idx, err := analysis.Build(prog)
	require.NoError(t, err)
	f := &fixture{idx: idx, table: signature.NewTable(idx), sink: diag.NewCollector("test", nil)}
	opts.Sink = f.sink
	f.rep = InferAll(idx, f.table, actions.Default(), opts)
	return f
}

func (f *fixture) proto(id int) string {
	return f.table.Get(id).Prototype("")
}

// entry emits the loader stub calling main.
func entry(b *bytecode.Builder) {
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
}

func TestParamsAndReturn(t *testing.T) {
	b := bytecode.NewBuilder("add")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.ConstInt(2)
	b.ConstInt(1)
	b.Jump(bytecode.OpJSR, "add")
	b.MovSP(-4)
	b.Retn()
	b.Label("add")
	b.CPTopSP(-4, 4)
	b.CPTopSP(-12, 4)
	b.Binary(bytecode.OpAdd, bytecode.TypeII)
	b.CPDownSP(-16, 4)
	b.MovSP(-4)
	b.MovSP(-8)
	b.Retn()

	f := infer(t, b, Options{})
	assert.False(t, f.rep.Capped)
	assert.Empty(t, f.rep.Incomplete)
	assert.Equal(t, "void main()", f.proto(1))
	assert.Equal(t, "int sub2(int, int)", f.proto(2))
	assert.True(t, f.table.Get(2).IsTotallyPrototyped())
}

func TestParamTypedByAction(t *testing.T) {
	b := bytecode.NewBuilder("print")
	entry(b)
	b.ConstString("hello")
	b.Jump(bytecode.OpJSR, "say")
	b.Retn()
	b.Label("say")
	b.CPTopSP(-4, 4)
	b.Action(1, 1)
	b.MovSP(-4)
	b.Retn()

	f := infer(t, b, Options{})
	assert.Equal(t, "void sub2(string)", f.proto(2))
}

func TestVectorReturn(t *testing.T) {
	b := bytecode.NewBuilder("vec")
	entry(b)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.Jump(bytecode.OpJSR, "vec")
	b.MovSP(-12)
	b.Retn()
	b.Label("vec")
	b.ConstFloat(1)
	b.ConstFloat(2)
	b.ConstFloat(3)
	b.CPDownSP(-24, 12)
	b.MovSP(-12)
	b.Retn()

	f := infer(t, b, Options{})
	assert.Equal(t, "vector sub2()", f.proto(2))
	assert.Equal(t, 3, f.table.Get(2).ReturnSlots())
	assert.True(t, f.table.Get(1).IsDone())
}

func TestStartingConditional(t *testing.T) {
	b := bytecode.NewBuilder("cond")
	b.RSAdd(bytecode.TypeInt)
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.ConstInt(1)
	b.CPDownSP(-8, 4)
	b.MovSP(-4)
	b.Retn()

	f := infer(t, b, Options{})
	require.True(t, f.idx.MainReturnsInt)
	assert.Equal(t, "int StartingConditional()", f.proto(1))
}

func TestMutualRecursionWithBaseCase(t *testing.T) {
	b := bytecode.NewBuilder("rec")
	entry(b)
	b.ConstInt(3)
	b.Jump(bytecode.OpJSR, "a")
	b.Retn()

	b.Label("a")
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJZ, "base")
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJSR, "b")
	b.Label("base")
	b.MovSP(-4)
	b.Retn()

	b.Label("b")
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJSR, "a")
	b.MovSP(-4)
	b.Retn()

	f := infer(t, b, Options{})
	assert.False(t, f.rep.Capped)
	assert.Empty(t, f.rep.Incomplete)
	assert.Equal(t, "void sub2(int)", f.proto(2))
	assert.Equal(t, "void sub3(int)", f.proto(3))
}

func TestMutualRecursionWithoutBaseCaseTerminates(t *testing.T) {
	b := bytecode.NewBuilder("loop")
	entry(b)
	b.Jump(bytecode.OpJSR, "a")
	b.Retn()
	b.Label("a")
	b.Jump(bytecode.OpJSR, "b")
	b.Retn()
	b.Label("b")
	b.Jump(bytecode.OpJSR, "a")
	b.Retn()

	f := infer(t, b, Options{})
	assert.False(t, f.rep.Capped)
	assert.ElementsMatch(t, []int{1, 2, 3}, f.rep.Incomplete)
	for _, id := range f.rep.Incomplete {
		assert.False(t, f.table.Get(id).IsTotallyPrototyped())
	}
}

func TestRoundCap(t *testing.T) {
	b := bytecode.NewBuilder("cap")
	entry(b)
	b.Retn()

	f := infer(t, b, Options{MaxRounds: 1})
	assert.True(t, f.rep.Capped)
	assert.Equal(t, 1, f.rep.Rounds)
	assert.Equal(t, 1, f.sink.Count(diag.FixpointCap))
}

func TestGlobals(t *testing.T) {
	b := bytecode.NewBuilder("globals")
	b.Jump(bytecode.OpJSR, "glob")
	b.Retn()
	b.Label("glob")
	b.RSAdd(bytecode.TypeInt)
	b.ConstInt(7)
	b.CPDownSP(-8, 4)
	b.MovSP(-4)
	b.SaveBP()
	b.Jump(bytecode.OpJSR, "main")
	b.RestoreBP()
	b.MovSP(-4)
	b.Retn()
	b.Label("main")
	b.CPTopBP(-4, 4)
	b.Action(4, 1)
	b.Retn()

	f := infer(t, b, Options{})
	require.NotNil(t, f.idx.Globals)
	require.NotNil(t, f.idx.Main)
	assert.True(t, f.table.Get(f.idx.Globals.ID).IsDone())
	assert.True(t, f.table.Get(f.idx.Main.ID).IsDone())
	assert.Equal(t, 0, f.sink.Count(diag.Clamp))
}

func TestUnknownActionClamps(t *testing.T) {
	b := bytecode.NewBuilder("missing")
	entry(b)
	b.ConstInt(1)
	b.Action(9999, 1)
	b.Retn()

	f := infer(t, b, Options{})
	assert.Equal(t, 1, f.sink.Count(diag.Clamp))
	assert.True(t, f.table.Get(1).IsDone())
}

func TestTooManyParams(t *testing.T) {
	b := bytecode.NewBuilder("wide")
	entry(b)
	b.ConstInt(1)
	b.ConstInt(2)
	b.ConstInt(3)
	b.Jump(bytecode.OpJSR, "wide")
	b.Retn()
	b.Label("wide")
	b.MovSP(-12)
	b.Retn()

	f := infer(t, b, Options{MaxParams: 2})
	assert.False(t, f.table.Get(2).IsDone())
	assert.Contains(t, f.rep.Incomplete, 2)
	assert.Positive(t, f.sink.Count(diag.Clamp))
}
