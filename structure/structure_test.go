package structure

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/infer"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/script"
	"github.com/chazu/ncsdecomp/signature"
)

type fixture struct {
	idx  *analysis.Index
	in   *Input
	sink *diag.Collector
	opts Options
}

func prepare(t *testing.T, b *bytecode.Builder) *fixture {
	t.Helper()
	prog, err := b.Build()
	require.NoError(t, err)
	idx, err := analysis.Build(prog)
	require.NoError(t, err)
	table := signature.NewTable(idx)
	infer.InferAll(idx, table, actions.Default(), infer.Options{})

	f := &fixture{
		idx:  idx,
		in:   &Input{Index: idx, Sigs: table, Actions: actions.Default()},
		sink: diag.NewCollector("test", nil),
		opts: DefaultOptions(),
	}
	f.opts.Sink = f.sink
	if idx.Globals != nil {
		_, g, err := StructureGlobals(f.in, f.opts)
		require.NoError(t, err)
		f.in.Globals = g
	}
	return f
}

func (f *fixture) tree(t *testing.T, id int) *script.Tree {
	t.Helper()
	tr, err := Structure(f.in, f.idx.Subs[id], f.opts)
	require.NoError(t, err)
	return tr
}

// entry emits the loader stub calling main.
func entry(b *bytecode.Builder) {
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
}

func whileProgram() *bytecode.Builder {
	b := bytecode.NewBuilder("while")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.ConstInt(0)
	b.CPDownSP(-8, 4)
	b.MovSP(-4)
	b.Label("loop")
	b.CPTopSP(-4, 4)
	b.ConstInt(10)
	b.Binary(bytecode.OpLT, bytecode.TypeII)
	b.Jump(bytecode.OpJZ, "end")
	b.IncISP(-4)
	b.Jump(bytecode.OpJmp, "loop")
	b.Label("end")
	b.Jump(bytecode.OpJmp, "epi")
	b.Label("epi")
	b.MovSP(-4)
	b.Retn()
	return b
}

func TestWhileLoop(t *testing.T) {
	f := prepare(t, whileProgram())
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1 = 0\n" +
		"  while (i1 < 10)\n" +
		"    expr i1++\n" +
		"  return\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
	assert.Empty(t, f.sink.Events())
}

func TestIdempotent(t *testing.T) {
	f := prepare(t, whileProgram())
	a := f.tree(t, 1)
	b := f.tree(t, 1)
	assert.True(t, a.Equal(b))
}

func TestSwitch(t *testing.T) {
	b := bytecode.NewBuilder("switch")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.CPTopSP(-4, 4)
	b.CPTopSP(-4, 4)
	b.ConstInt(1)
	b.Binary(bytecode.OpEqual, bytecode.TypeII)
	b.Jump(bytecode.OpJNZ, "c1")
	b.CPTopSP(-4, 4)
	b.ConstInt(2)
	b.Binary(bytecode.OpEqual, bytecode.TypeII)
	b.Jump(bytecode.OpJNZ, "c2")
	b.Jump(bytecode.OpJmp, "end")
	b.Label("c1")
	b.ConstInt(1)
	b.Action(4, 1)
	b.Jump(bytecode.OpJmp, "end")
	b.Label("c2")
	b.ConstInt(2)
	b.Action(4, 1)
	b.Jump(bytecode.OpJmp, "end")
	b.Label("end")
	b.MovSP(-4)
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1\n" +
		"  switch (i1)\n" +
		"    case 1:\n" +
		"      expr PrintInteger(1)\n" +
		"      break\n" +
		"    case 2:\n" +
		"      expr PrintInteger(2)\n" +
		"      break\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 1, tr.Count(script.KindSwitch))
	assert.Equal(t, 0, tr.Residue)

	// without switch detection the same code is a chain of ifs
	f.opts.SwitchDetection = false
	tr = f.tree(t, 1)
	assert.Zero(t, tr.Count(script.KindSwitch))
	assert.NotZero(t, tr.Count(script.KindIf))
}

func TestIfElse(t *testing.T) {
	b := bytecode.NewBuilder("ifelse")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJZ, "else")
	b.ConstInt(1)
	b.Action(4, 1)
	b.Jump(bytecode.OpJmp, "endif")
	b.Label("else")
	b.ConstInt(2)
	b.Action(4, 1)
	b.Label("endif")
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1\n" +
		"  if (i1)\n" +
		"    expr PrintInteger(1)\n" +
		"  else\n" +
		"    expr PrintInteger(2)\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
}

func TestDoWhile(t *testing.T) {
	b := bytecode.NewBuilder("do")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.Label("loop")
	b.ConstInt(1)
	b.Action(4, 1)
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJNZ, "loop")
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1\n" +
		"  do while (i1)\n" +
		"    expr PrintInteger(1)\n"
	assert.Equal(t, want, tr.Dump())
}

func TestJumpToTestLoop(t *testing.T) {
	b := bytecode.NewBuilder("test")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.Jump(bytecode.OpJmp, "test")
	b.Label("body")
	b.ConstInt(1)
	b.Action(4, 1)
	b.Label("test")
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJNZ, "body")
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1\n" +
		"  while (i1)\n" +
		"    expr PrintInteger(1)\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
}

func TestClosureArgument(t *testing.T) {
	b := bytecode.NewBuilder("delay")
	entry(b)
	b.StoreState(0, 0)
	b.Jump(bytecode.OpJmp, "over")
	b.ConstInt(5)
	b.Action(4, 1)
	b.Retn()
	b.Label("over")
	b.ConstFloat(1)
	b.Action(7, 2)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  expr DelayCommand(1.0, PrintInteger(5))\n"
	assert.Equal(t, want, tr.Dump())
	assert.Zero(t, tr.Count(script.KindArg))
	assert.Equal(t, 0, tr.Residue)
}

func TestGlobalsFrame(t *testing.T) {
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

	f := prepare(t, b)
	require.NotNil(t, f.in.Globals)
	assert.Equal(t, 1, f.in.Globals.Size())

	g, _, err := StructureGlobals(f.in, f.opts)
	require.NoError(t, err)
	assert.Equal(t, "void globals()\n  decl int gi1 = 7\n", g.Dump())
	assert.Equal(t, 0, g.Residue)

	tr := f.tree(t, f.idx.Main.ID)
	assert.Equal(t, "void main()\n  expr PrintInteger(gi1)\n", tr.Dump())
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

	f := prepare(t, b)
	add := f.tree(t, 2)
	assert.Equal(t, "int sub2(int, int)\n  return arg0 + arg1\n", add.Dump())
	assert.Equal(t, 1, add.Residue)

	main := f.tree(t, 1)
	assert.Equal(t, "void main()\n  expr sub2(1, 2)\n", main.Dump())
	assert.Equal(t, 0, main.Residue)
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

	f := prepare(t, b)
	vec := f.tree(t, 2)
	assert.Equal(t, "vector sub2()\n  return [1.0, 2.0, 3.0]\n", vec.Dump())
	assert.Equal(t, 3, vec.Residue)

	main := f.tree(t, 1)
	assert.Equal(t, "void main()\n  expr sub2()\n", main.Dump())
}

func TestVectorLocal(t *testing.T) {
	b := bytecode.NewBuilder("member")
	entry(b)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.ConstFloat(1)
	b.ConstFloat(2)
	b.ConstFloat(3)
	b.CPDownSP(-24, 12)
	b.MovSP(-12)
	b.ConstInt(9)
	b.ConstInt(18)
	b.CPTopSP(-16, 4)
	b.Action(2, 3)
	b.MovSP(-12)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl vector v4 = [1.0, 2.0, 3.0]\n" +
		"  expr PrintFloat(v4.y, 18, 9)\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
}

func TestRecovery(t *testing.T) {
	b := bytecode.NewBuilder("broken")
	entry(b)
	b.ConstFloat(1)
	b.Action(7, 2) // no deferred action was built
	b.ConstInt(5)
	b.Action(4, 1)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	assert.Equal(t, 1, tr.Count(script.KindError))
	assert.Equal(t, 1, tr.Count(script.KindExpr))
	assert.Equal(t, 1, f.sink.Count(diag.Recovery))
	errs := tr.Find(script.KindError)
	assert.Contains(t, tr.Node(errs[0]).Message, "DelayCommand")
}

func TestCallToUnprototyped(t *testing.T) {
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

	f := prepare(t, b)
	_, err := Structure(f.in, f.idx.Subs[1], f.opts)
	require.Error(t, err)
	assert.Equal(t, ErrNotPrototyped, errors.Cause(err))

	// a caller that is itself complete fails at the call
	main := f.in.Sigs.Get(1)
	main.SetParamSlots(0)
	main.Finish()
	_, err = Structure(f.in, f.idx.Subs[1], f.opts)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "call to sub2")
}

func TestShortCircuitAnd(t *testing.T) {
	b := bytecode.NewBuilder("and")
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.CPTopSP(-4, 4)
	b.CPTopSP(-4, 4)
	b.Jump(bytecode.OpJZ, "short")
	b.ConstInt(5)
	b.Binary(bytecode.OpLogAnd, bytecode.TypeII)
	b.Label("short")
	b.Jump(bytecode.OpJZ, "end")
	b.ConstInt(1)
	b.Action(4, 1)
	b.Label("end")
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1\n" +
		"  if (i1 && 5)\n" +
		"    expr PrintInteger(1)\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
}

// counted builds "for (i1 = 0; i1 < 10; ...)" around body. The body must
// end by jumping back to "loop" and may jump to "end".
func counted(name string, body func(b *bytecode.Builder)) *bytecode.Builder {
	b := bytecode.NewBuilder(name)
	entry(b)
	b.RSAdd(bytecode.TypeInt)
	b.ConstInt(0)
	b.CPDownSP(-8, 4)
	b.MovSP(-4)
	b.Label("loop")
	b.CPTopSP(-4, 4)
	b.ConstInt(10)
	b.Binary(bytecode.OpLT, bytecode.TypeII)
	b.Jump(bytecode.OpJZ, "end")
	body(b)
	b.Label("end")
	b.Jump(bytecode.OpJmp, "epi")
	b.Label("epi")
	b.MovSP(-4)
	b.Retn()
	return b
}

// compare leaves the comparison of i1 with v on the stack.
func compare(b *bytecode.Builder, op bytecode.Opcode, v int32) {
	b.CPTopSP(-4, 4)
	b.ConstInt(v)
	b.Binary(op, bytecode.TypeII)
}

func TestContinueToHeader(t *testing.T) {
	b := counted("continue", func(b *bytecode.Builder) {
		compare(b, bytecode.OpEqual, 3)
		b.Jump(bytecode.OpJZ, "body")
		b.IncISP(-4)
		b.Jump(bytecode.OpJmp, "loop")
		b.Label("body")
		b.CPTopSP(-4, 4)
		b.Action(4, 1)
		b.IncISP(-4)
		b.Jump(bytecode.OpJmp, "loop")
	})

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1 = 0\n" +
		"  while (i1 < 10)\n" +
		"    if (i1 == 3)\n" +
		"      expr i1++\n" +
		"      continue\n" +
		"    expr PrintInteger(i1)\n" +
		"    expr i1++\n" +
		"  return\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 1, tr.Count(script.KindWhile))
	assert.Equal(t, 0, tr.Residue)
	assert.Empty(t, f.sink.Events())
}

func TestBreakOutOfWhile(t *testing.T) {
	b := counted("break", func(b *bytecode.Builder) {
		compare(b, bytecode.OpEqual, 3)
		b.Jump(bytecode.OpJZ, "skip")
		b.Jump(bytecode.OpJmp, "end")
		b.Label("skip")
		b.IncISP(-4)
		b.Jump(bytecode.OpJmp, "loop")
	})

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1 = 0\n" +
		"  while (i1 < 10)\n" +
		"    if (i1 == 3)\n" +
		"      break\n" +
		"    expr i1++\n" +
		"  return\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
	assert.Empty(t, f.sink.Events())
}

func TestForwardJumpToIncrementIsElse(t *testing.T) {
	b := counted("for", func(b *bytecode.Builder) {
		compare(b, bytecode.OpEqual, 3)
		b.Jump(bytecode.OpJZ, "body")
		b.Jump(bytecode.OpJmp, "inc")
		b.Label("body")
		b.CPTopSP(-4, 4)
		b.Action(4, 1)
		b.Label("inc")
		b.IncISP(-4)
		b.Jump(bytecode.OpJmp, "loop")
	})

	f := prepare(t, b)
	tr := f.tree(t, 1)

	// "if (i1 == 3) continue;" and an if with an empty body and an else
	// compile alike; else is chosen
	want := "void main()\n" +
		"  decl int i1 = 0\n" +
		"  while (i1 < 10)\n" +
		"    if (i1 == 3)\n" +
		"    else\n" +
		"      expr PrintInteger(i1)\n" +
		"    expr i1++\n" +
		"  return\n"
	assert.Equal(t, want, tr.Dump())
	assert.Equal(t, 0, tr.Residue)
}

func TestLoopControlResolvedAtClose(t *testing.T) {
	b := counted("nested", func(b *bytecode.Builder) {
		compare(b, bytecode.OpGT, 3)
		b.Jump(bytecode.OpJZ, "body")
		compare(b, bytecode.OpLT, 5)
		b.Jump(bytecode.OpJZ, "inner")
		b.Jump(bytecode.OpJmp, "inc")
		b.Label("inner")
		b.ConstInt(7)
		b.Action(4, 1)
		b.Label("body")
		b.CPTopSP(-4, 4)
		b.Action(4, 1)
		b.Label("inc")
		b.IncISP(-4)
		b.Jump(bytecode.OpJmp, "loop")
	})

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl int i1 = 0\n" +
		"  while (i1 < 10)\n" +
		"    if (i1 > 3)\n" +
		"      if (i1 < 5)\n" +
		"        continue\n" +
		"      expr PrintInteger(7)\n" +
		"    expr PrintInteger(i1)\n" +
		"    expr i1++\n" +
		"  return\n"
	assert.Equal(t, want, tr.Dump())
	assert.Zero(t, tr.Count(script.KindLoopControl))
	assert.Zero(t, f.sink.Count(diag.Unresolved))
}

func TestDeadCodeSpan(t *testing.T) {
	b := bytecode.NewBuilder("dead")
	entry(b)
	b.ConstInt(2)
	b.Action(4, 1)
	b.Jump(bytecode.OpJmp, "epi")
	b.ConstInt(1)
	b.Action(4, 1)
	b.Label("epi")
	b.Retn()

	f := prepare(t, b)
	start := f.idx.Subs[1].Start
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  expr PrintInteger(2)\n" +
		"  return\n" +
		fmt.Sprintf("  dead-code %04X-%04X\n", f.idx.Pos(start+3), f.idx.Pos(start+5))
	assert.Equal(t, want, tr.Dump())

	f.opts.DeadCode = false
	tr = f.tree(t, 1)
	assert.Zero(t, tr.Count(script.KindDeadCode))
	assert.Equal(t, 1, tr.Count(script.KindExpr))
}

func TestRecoveryRestoresJoinedDeclarations(t *testing.T) {
	b := bytecode.NewBuilder("join")
	entry(b)
	b.ConstFloat(1)
	b.ConstFloat(2)
	b.ConstFloat(3)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.CPDownSP(-24, 12) // writes over the constants
	b.MovSP(-24)
	b.Retn()

	f := prepare(t, b)
	tr := f.tree(t, 1)

	want := "void main()\n" +
		"  decl float f1\n" +
		"  decl float f2\n" +
		"  decl float f3\n"
	assert.True(t, strings.HasPrefix(tr.Dump(), want), tr.Dump())
	assert.Equal(t, 3, tr.Count(script.KindVarDecl))
	assert.Equal(t, 1, tr.Count(script.KindError))
	assert.NotContains(t, tr.Dump(), "v4")
	assert.Equal(t, 0, tr.Residue)
}

func TestRecoveryKeepsCallResult(t *testing.T) {
	b := bytecode.NewBuilder("call")
	entry(b)
	b.RSAdd(bytecode.TypeFloat)
	b.RSAdd(bytecode.TypeFloat)
	b.Jump(bytecode.OpJSR, "get")
	b.Action(7, 2) // takes the call result, then finds no deferred action
	b.MovSP(-4)
	b.Retn()
	b.Label("get")
	b.ConstFloat(1)
	b.CPDownSP(-8, 4)
	b.MovSP(-4)
	b.Retn()

	f := prepare(t, b)
	main := f.in.Sigs.Get(f.idx.Subs[1].ID)
	require.True(t, main.IsTotallyPrototyped())
	assert.Empty(t, main.Parameters())
	assert.Equal(t, "void main()", main.Prototype(""))

	tr := f.tree(t, 1)

	assert.Equal(t, 1, tr.Count(script.KindError))
	assert.Equal(t, 1, tr.Count(script.KindExpr))
	assert.Contains(t, tr.Dump(), "expr sub2()\n")
	assert.True(t, strings.HasPrefix(tr.Dump(), "void main()\n  decl float f1\n  error: "), tr.Dump())
	// the failed action released no slot, so the local outlives the MOVSP
	assert.Equal(t, 1, tr.Residue)
}
