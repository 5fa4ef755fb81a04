package analysis

import (
	"testing"

	"github.com/chazu/ncsdecomp/pkg/bytecode"
)

func build(t *testing.T, b *bytecode.Builder) *Index {
	t.Helper()
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x, err := Build(prog)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return x
}

func TestSubroutinesAndKinds(t *testing.T) {
	b := bytecode.NewBuilder("kinds")
	b.Jump(bytecode.OpJSR, "glob")
	b.Retn()
	b.Label("glob")
	b.RSAdd(bytecode.TypeInt)
	b.SaveBP()
	b.Jump(bytecode.OpJSR, "main")
	b.RestoreBP()
	b.MovSP(-4)
	b.Retn()
	b.Label("main")
	b.Jump(bytecode.OpJSR, "helper")
	b.Retn()
	b.Label("helper")
	b.Retn()

	x := build(t, b)
	if len(x.Subs) != 4 {
		t.Fatalf("expected 4 subroutines, got %d", len(x.Subs))
	}
	want := []Kind{KindEntry, KindGlobals, KindMain, KindSub}
	for i, k := range want {
		if x.Subs[i].Kind != k {
			t.Errorf("sub %d: expected %s, got %s", i, k, x.Subs[i].Kind)
		}
	}
	if x.Globals != x.Subs[1] || x.Main != x.Subs[2] {
		t.Errorf("globals/main not wired: %v %v", x.Globals, x.Main)
	}
	if x.MainReturnsInt {
		t.Error("void main reported as returning int")
	}
	if got := x.Callee(x.Subs[2].Start); got != x.Subs[3] {
		t.Errorf("callee of main's JSR: %v", got)
	}
	if x.SubAt(x.Subs[1].Start+2) != x.Subs[1] {
		t.Error("SubAt does not find the owner")
	}
	if len(x.Problems) != 0 {
		t.Errorf("unexpected problems: %v", x.Problems)
	}
}

func TestMainReturnsInt(t *testing.T) {
	b := bytecode.NewBuilder("cond")
	b.RSAdd(bytecode.TypeInt)
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.Retn()

	x := build(t, b)
	if !x.MainReturnsInt {
		t.Error("expected conditional main")
	}
	if x.Main == nil || x.Main.Start != 3 {
		t.Errorf("main = %v", x.Main)
	}
}

func TestDeadCodeAndOrigins(t *testing.T) {
	b := bytecode.NewBuilder("dead")
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.Jump(bytecode.OpJmp, "skip") // 2
	b.ConstInt(1)                  // 3
	b.MovSP(-4)                    // 4
	b.Label("skip")
	b.Retn() // 5

	x := build(t, b)
	for i, dead := range map[int]bool{2: false, 3: true, 4: true, 5: false} {
		if x.Dead(i) != dead {
			t.Errorf("Dead(%d) = %t, want %t", i, x.Dead(i), dead)
		}
	}
	if o := x.Origins(5); len(o) != 1 || o[0] != 2 {
		t.Errorf("Origins(5) = %v", o)
	}
	if x.Dest(2) != 5 {
		t.Errorf("Dest(2) = %d", x.Dest(2))
	}
	if len(x.Origins(2)) != 0 {
		t.Error("JSR must not count as a jump origin")
	}
}

func TestClosureBodyIsLive(t *testing.T) {
	b := bytecode.NewBuilder("closure")
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.StoreState(0, 0)             // 2
	b.Jump(bytecode.OpJmp, "over") // 3
	b.ConstInt(5)                  // 4
	b.Action(4, 1)                 // 5
	b.Retn()                       // 6
	b.Label("over")
	b.Retn() // 7

	x := build(t, b)
	for i := 4; i <= 6; i++ {
		if x.Dead(i) {
			t.Errorf("closure instruction %d marked dead", i)
		}
	}
}

func TestEpilogue(t *testing.T) {
	b := bytecode.NewBuilder("epi")
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.ConstInt(1)
	b.ConstInt(2)
	b.Jump(bytecode.OpJSR, "two")
	b.Retn()
	b.Label("two")
	b.RSAdd(bytecode.TypeInt)
	b.MovSP(-4)
	b.MovSP(-8)
	b.Retn()

	x := build(t, b)
	sub := x.Subs[2]
	if got := x.Epilogue(sub, 2); got != sub.Last()-1 {
		t.Errorf("Epilogue with 2 params = %d, want %d", got, sub.Last()-1)
	}
	if got := x.Epilogue(sub, 0); got != sub.Last() {
		t.Errorf("Epilogue with no params = %d, want %d", got, sub.Last())
	}
}

func TestBadJumpTarget(t *testing.T) {
	b := bytecode.NewBuilder("bad")
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.Emit(bytecode.Instruction{Op: bytecode.OpJmp, Offset: 3})
	b.Retn()

	x := build(t, b)
	if len(x.Problems) == 0 {
		t.Fatal("expected a problem for a jump into an instruction")
	}
	if x.Dest(2) != -1 {
		t.Errorf("Dest of a bad jump = %d", x.Dest(2))
	}
}

func TestEmptyProgram(t *testing.T) {
	prog, err := bytecode.NewProgram("empty", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Build(prog); err == nil {
		t.Error("expected an error for an empty program")
	}
}
