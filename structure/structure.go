// Package structure rebuilds statement trees from the instructions of a
// subroutine whose signature is known.
//
// The engine walks the instructions once, in order, against a stack of
// variables and temporaries. Declarations, assignments and calls become
// statements under a cursor node; jump patterns open and close if, else,
// while, do and switch blocks. Stack states are saved at forward jump
// targets and restored after unconditional transfers, so each branch
// starts from the state its jump left behind.
package structure

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/pkg/types"
	"github.com/chazu/ncsdecomp/script"
	"github.com/chazu/ncsdecomp/signature"
)

var log = commonlog.GetLogger("ncsdecomp.structure")

// ErrNotPrototyped is returned when a subroutine, or a subroutine it
// calls, has no complete signature. It is fatal to the subroutine.
var ErrNotPrototyped = errors.New("structure: subroutine not prototyped")

// Options tune structuring.
type Options struct {
	SwitchDetection  bool // turn equality chains into switch statements
	FoldInitializers bool // merge a declaration with its first assignment
	DeadCode         bool // keep a marker for unreachable instructions
	Debug            bool // trace every instruction at debug level
	Sink             diag.Sink
}

// DefaultOptions enables every reconstruction.
func DefaultOptions() Options {
	return Options{SwitchDetection: true, FoldInitializers: true, DeadCode: true}
}

// Input is what structuring needs to know about the whole program.
type Input struct {
	Index   *analysis.Index
	Sigs    *signature.Table
	Actions *actions.Catalog
	Globals *script.VarStack // frozen globals; nil when the program has none
}

type mode uint8

const (
	modeNormal mode = iota
	modeStoreState
	modePrefix
	modeSwitchCases
)

type loop struct {
	node   script.NodeID
	start  int // first instruction of the body
	end    int // instruction after the closing jump
	closer int // the backward jump
	cond   int // jump supplying the condition, -1 if none
	test   int // start of the test for jump-to-test loops, -1 otherwise

	pending []script.NodeID // loop-control placeholders
}

type switchState struct {
	node   script.NodeID
	disc   script.Entry
	labels []caseLabel
	end    int // byte position of the end of the switch
	header bool
	cases  []script.NodeID
}

type caseLabel struct {
	value script.Expr // nil for default
	dest  int
}

type argFrame struct {
	node     script.NodeID
	snapshot *script.VarStack
}

type engine struct {
	in   *Input
	idx  *analysis.Index
	opts Options
	sub  *analysis.Subroutine
	sig  *signature.State

	tree *script.Tree
	cur  script.NodeID
	vars *script.VarStack
	mode mode

	saved        map[int]*script.VarStack
	fresh        []int // saved since the last checkpoint
	prevTransfer bool
	epilogue     int

	loops    []*loop
	switches []*switchState
	args     []argFrame
	closures []*script.ClosureExpr
	snapshot *script.VarStack // taken at STORESTATE
	prefix   script.Named     // target of a pending prefix increment
	prefixOp string

	globals *script.VarStack // private copy of the frozen globals
	frozen  *script.VarStack // set by SAVEBP in the globals subroutine
	counter int
	global  bool
}

// Structure builds the statement tree of sub.
func Structure(in *Input, sub *analysis.Subroutine, opts Options) (*script.Tree, error) {
	e, err := newEngine(in, sub, opts)
	if err != nil {
		return nil, err
	}
	if err := e.run(); err != nil {
		return nil, err
	}
	return e.tree, nil
}

// StructureGlobals builds the tree of the globals subroutine and returns
// the globals frame frozen at SAVEBP, for use as Input.Globals.
func StructureGlobals(in *Input, opts Options) (*script.Tree, *script.VarStack, error) {
	sub := in.Index.Globals
	if sub == nil {
		return nil, nil, nil
	}
	e, err := newEngine(in, sub, opts)
	if err != nil {
		return nil, nil, err
	}
	e.global = true
	if err := e.run(); err != nil {
		return nil, nil, err
	}
	frozen := e.frozen
	if frozen == nil {
		frozen = script.NewVarStack()
	}
	return e.tree, frozen, nil
}

func newEngine(in *Input, sub *analysis.Subroutine, opts Options) (*engine, error) {
	if opts.Sink == nil {
		opts.Sink = diag.Discard
	}
	sig := in.Sigs.Get(sub.ID)
	if sig == nil || !sig.IsTotallyPrototyped() {
		return nil, errors.Wrapf(ErrNotPrototyped, "sub%d", sub.ID)
	}
	idx := in.Index
	e := &engine{
		in:       in,
		idx:      idx,
		opts:     opts,
		sub:      sub,
		sig:      sig,
		tree:     script.NewTree(sig.Prototype(""), idx.Pos(sub.Start), idx.Pos(sub.End)),
		vars:     script.NewVarStack(),
		saved:    make(map[int]*script.VarStack),
		epilogue: idx.Epilogue(sub, sig.ParamSlots()),
	}
	e.cur = e.tree.Root
	if in.Globals != nil {
		e.globals = in.Globals.Clone()
	}

	if sig.ReturnSlots() > 0 {
		e.vars.Push(script.NewVar("ret", sig.Return(), script.FlagReturn))
	}
	params := sig.Parameters()
	for k := len(params) - 1; k >= 0; k-- {
		e.vars.Push(script.NewVar("arg"+strconv.Itoa(k), params[k], script.FlagParam))
	}
	return e, nil
}

func (e *engine) run() error {
	for i := e.sub.Start; i < e.sub.End; i++ {
		pos := e.idx.Pos(i)
		e.closeBlocks(pos)
		e.enterCase(pos)

		if e.idx.Dead(i) {
			j := i
			for j < e.sub.End && e.idx.Dead(j) {
				j++
			}
			if e.opts.DeadCode {
				e.tree.Add(e.cur, script.Node{Kind: script.KindDeadCode, Start: pos, End: e.idx.Pos(j)})
			}
			i = j - 1
			continue
		}

		if e.prevTransfer {
			if s, ok := e.saved[i]; ok {
				e.vars = s.Clone()
			}
		}
		if i >= e.epilogue {
			e.finish(i)
			return nil
		}
		e.openLoops(i)

		in := e.idx.Ins(i)
		if e.opts.Debug {
			log.Debugf("sub%d %04X %-20s vars=%d cur=%s", e.sub.ID, in.Pos, in, e.vars.Size(), e.tree.Node(e.cur).Kind)
		}
		if err := e.recoverStep(i); err != nil {
			return err
		}
		e.prevTransfer = in.Op.IsTransfer()
	}
	e.tree.Residue = e.vars.Size()
	return nil
}

// finish drops what the epilogue removes and records the residue.
func (e *engine) finish(from int) {
	for k := from; k < e.sub.End; k++ {
		if in := e.idx.Ins(k); in.Op == bytecode.OpMovSP {
			e.vars.Pop(in.Slots())
		}
	}
	e.tree.Residue = e.vars.Size()
	if e.cur != e.tree.Root {
		diag.Reportf(e.opts.Sink, diag.Unresolved, e.sub.ID, e.idx.Pos(from),
			"%s block still open at the end of the subroutine", e.tree.Node(e.cur).Kind)
	}
}

func (e *engine) pos(i int) int {
	return e.idx.Pos(i)
}

func (e *engine) add(n script.Node) script.NodeID {
	return e.tree.Add(e.cur, n)
}

func (e *engine) stmt(i int, x script.Expr) script.NodeID {
	return e.add(script.Node{Kind: script.KindExpr, X: x, Start: e.pos(i), End: e.pos(i + 1)})
}

func (e *engine) newName(t types.Type) string {
	e.counter++
	name := prefix(t) + strconv.Itoa(e.counter)
	if e.global {
		name = "g" + name
	}
	return name
}

func prefix(t types.Type) string {
	switch t.Kind {
	case types.KindInt:
		return "i"
	case types.KindFloat:
		return "f"
	case types.KindString:
		return "s"
	case types.KindObject:
		return "o"
	case types.KindVector:
		return "v"
	case types.KindStruct:
		return "st"
	case types.KindAction:
		return "a"
	case types.KindEngine:
		switch t.Engine {
		case 0:
			return "e"
		case 1:
			return "ev"
		case 2:
			return "l"
		case 3:
			return "t"
		case 4:
			return "ip"
		}
		return "en"
	}
	return "u"
}

// effect returns the slots an instruction pops and pushes, as seen by
// the variable stack.
func (e *engine) effect(in *bytecode.Instruction, i int) (pop, push int) {
	switch in.Op {
	case bytecode.OpRSAdd, bytecode.OpConst:
		return 0, 1
	case bytecode.OpCPTopSP, bytecode.OpCPTopBP:
		return 0, in.SizeSlots()
	case bytecode.OpMovSP:
		return in.Slots(), 0
	case bytecode.OpAction:
		if a, ok := e.in.Actions.Lookup(int(in.Action)); ok {
			return a.ArgSlots(int(in.Argc)), a.Returns.Slots()
		}
		return int(in.Argc), 0
	case bytecode.OpJSR:
		if c := e.idx.Callee(i); c != nil {
			if st := e.in.Sigs.Get(c.ID); st != nil && st.ParamSlots() > 0 {
				return st.ParamSlots(), 0
			}
		}
		return 0, 0
	case bytecode.OpJZ, bytecode.OpJNZ:
		return 1, 0
	case bytecode.OpNeg, bytecode.OpComp, bytecode.OpNot:
		return 1, 1
	case bytecode.OpDestruct:
		return in.SizeSlots(), int(in.Keep) / bytecode.SlotSize
	}
	if _, ok := binaryOps[in.Op]; ok {
		if in.Type == bytecode.TypeTT {
			return 2 * in.SizeSlots(), 1
		}
		l, r := operandSlots(in.Type)
		return l + r, types.Result(in.Op, in.Type).Slots()
	}
	return 0, 0
}

func operandSlots(tc bytecode.TypeCode) (int, int) {
	l, r := types.Operands(tc)
	if !l.IsKnown() || !r.IsKnown() {
		return 1, 1
	}
	return l.Slots(), r.Slots()
}

// statementBoundary reports whether the stack returns to its starting
// depth somewhere strictly inside [from, to).
func (e *engine) statementBoundary(from, to int) bool {
	depth := 0
	for k := from; k < to-1; k++ {
		if e.idx.Dead(k) {
			continue
		}
		pop, push := e.effect(e.idx.Ins(k), k)
		depth += push - pop
		if depth <= 0 {
			return true
		}
	}
	return false
}
