// Package analysis builds the position index of a program: where
// subroutines begin and end, where every jump lands, which jumps land on
// each instruction, and which instructions are never reached.
//
// Everything is addressed by instruction index; byte positions are only
// used to resolve jump targets and for reporting.
package analysis

import (
	"fmt"
	"sort"

	"github.com/chazu/ncsdecomp/pkg/bytecode"
)

// Kind classifies a subroutine.
type Kind uint8

const (
	KindSub     Kind = iota // ordinary subroutine
	KindEntry               // loader stub: [RSADDI] JSR main RETN
	KindGlobals             // initializes globals, then SAVEBP and calls main
	KindMain                // script entry point
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindGlobals:
		return "globals"
	case KindMain:
		return "main"
	}
	return "sub"
}

// Subroutine is a contiguous instruction range [Start, End).
type Subroutine struct {
	ID    int
	Kind  Kind
	Start int // first instruction index
	End   int // one past the terminal RETN
}

// Len returns the number of instructions in the subroutine.
func (s *Subroutine) Len() int {
	return s.End - s.Start
}

// Contains reports whether instruction index i belongs to the subroutine.
func (s *Subroutine) Contains(i int) bool {
	return i >= s.Start && i < s.End
}

// Last returns the index of the terminal instruction.
func (s *Subroutine) Last() int {
	return s.End - 1
}

// Index is the immutable position index of a program.
type Index struct {
	Prog *bytecode.Program
	Subs []*Subroutine

	Entry   *Subroutine
	Globals *Subroutine // nil when the program has no globals
	Main    *Subroutine

	// MainReturnsInt is set when the loader reserves an int for main's
	// result (a conditional script).
	MainReturnsInt bool

	// Problems lists malformed constructs found while indexing, such as
	// jumps into the middle of an instruction. They are not fatal.
	Problems []string

	dest    []int
	origins [][]int
	dead    []bool
	owner   []int
	byStart map[int]*Subroutine
}

// Build indexes prog.
func Build(prog *bytecode.Program) (*Index, error) {
	n := prog.Len()
	if n == 0 {
		return nil, fmt.Errorf("analysis: empty program %s", prog.Name)
	}
	x := &Index{
		Prog:    prog,
		dest:    make([]int, n),
		origins: make([][]int, n),
		dead:    make([]bool, n),
		owner:   make([]int, n),
		byStart: make(map[int]*Subroutine),
	}

	starts := map[int]bool{0: true}
	for i := 0; i < n; i++ {
		in := prog.At(i)
		x.dest[i] = -1
		if !in.Op.IsJump() && in.Op != bytecode.OpJSR {
			continue
		}
		d, ok := prog.IndexOf(in.Dest())
		if !ok {
			x.problemf("%04X: %s target %04X is not an instruction", in.Pos, in.Op, in.Dest())
			continue
		}
		x.dest[i] = d
		if in.Op == bytecode.OpJSR {
			starts[d] = true
		} else {
			x.origins[d] = append(x.origins[d], i)
		}
	}

	sorted := make([]int, 0, len(starts))
	for s := range starts {
		sorted = append(sorted, s)
	}
	sort.Ints(sorted)
	for k, s := range sorted {
		end := n
		if k+1 < len(sorted) {
			end = sorted[k+1]
		}
		sub := &Subroutine{ID: k, Start: s, End: end}
		x.Subs = append(x.Subs, sub)
		x.byStart[s] = sub
		for i := s; i < end; i++ {
			x.owner[i] = k
		}
		if prog.At(end-1).Op != bytecode.OpRetn {
			x.problemf("%04X: subroutine %d does not end in RETN", prog.At(end-1).Pos, k)
		}
	}

	x.classify()
	for _, sub := range x.Subs {
		x.markDead(sub)
	}
	return x, nil
}

func (x *Index) problemf(format string, args ...any) {
	x.Problems = append(x.Problems, fmt.Sprintf(format, args...))
}

// classify finds the loader stub, the globals initializer and main.
func (x *Index) classify() {
	x.Entry = x.Subs[0]
	x.Entry.Kind = KindEntry
	call := x.firstCall(x.Entry)
	if call < 0 {
		x.problemf("entry stub makes no call")
		return
	}
	if call > x.Entry.Start && x.Prog.At(call-1).Op == bytecode.OpRSAdd {
		x.MainReturnsInt = true
	}

	target := x.byStart[x.dest[call]]
	if target == nil {
		return
	}
	if save := x.find(target, bytecode.OpSaveBP); save >= 0 {
		target.Kind = KindGlobals
		x.Globals = target
		for i := save + 1; i < target.End; i++ {
			if x.Prog.At(i).Op == bytecode.OpJSR && x.dest[i] >= 0 {
				if i > save+1 && x.Prog.At(i-1).Op == bytecode.OpRSAdd {
					x.MainReturnsInt = true
				}
				target = x.byStart[x.dest[i]]
				break
			}
		}
	}
	if target != nil && target.Kind == KindSub {
		target.Kind = KindMain
		x.Main = target
	}
}

func (x *Index) firstCall(sub *Subroutine) int {
	return x.find(sub, bytecode.OpJSR)
}

func (x *Index) find(sub *Subroutine, op bytecode.Opcode) int {
	for i := sub.Start; i < sub.End; i++ {
		if x.Prog.At(i).Op == op {
			return i
		}
	}
	return -1
}

// markDead flags instructions of sub unreachable from its first
// instruction. STORESTATE reaches the closure body that starts just past
// the jump following it.
func (x *Index) markDead(sub *Subroutine) {
	seen := make([]bool, sub.Len())
	work := []int{sub.Start}
	visit := func(i int) {
		if sub.Contains(i) && !seen[i-sub.Start] {
			seen[i-sub.Start] = true
			work = append(work, i)
		}
	}
	seen[0] = true
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := x.Prog.At(i)
		switch {
		case in.Op == bytecode.OpStoreState || in.Op == bytecode.OpStoreStateAll:
			visit(i + 1)
			visit(i + 2)
		case in.Op.IsJump():
			if x.dest[i] >= 0 {
				visit(x.dest[i])
			}
			if in.Op.IsConditional() {
				visit(i + 1)
			}
		case in.Op == bytecode.OpRetn:
		default:
			visit(i + 1)
		}
	}
	for k, ok := range seen {
		x.dead[sub.Start+k] = !ok
	}
}

// Ins returns the instruction at index i.
func (x *Index) Ins(i int) *bytecode.Instruction {
	return x.Prog.At(i)
}

// Pos returns the byte position of instruction i, or the program end
// when i is one past the last instruction.
func (x *Index) Pos(i int) int {
	if i >= x.Prog.Len() {
		return x.Prog.End()
	}
	return x.Prog.At(i).Pos
}

// Dest returns the instruction index a jump or call at i lands on, or -1.
func (x *Index) Dest(i int) int {
	return x.dest[i]
}

// Origins returns the jumps (not calls) landing on instruction i.
func (x *Index) Origins(i int) []int {
	return x.origins[i]
}

// Dead reports whether instruction i is unreachable.
func (x *Index) Dead(i int) bool {
	return x.dead[i]
}

// SubAt returns the subroutine owning instruction i.
func (x *Index) SubAt(i int) *Subroutine {
	return x.Subs[x.owner[i]]
}

// SubByStart returns the subroutine beginning at instruction i.
func (x *Index) SubByStart(i int) *Subroutine {
	return x.byStart[i]
}

// Callee returns the subroutine called by the JSR at i.
func (x *Index) Callee(i int) *Subroutine {
	if x.dest[i] < 0 {
		return nil
	}
	return x.byStart[x.dest[i]]
}

// Epilogue returns the index where sub's epilogue begins: the terminal
// RETN, or the MOVSP right before it when that MOVSP removes exactly the
// parameters or is the target of a jump.
func (x *Index) Epilogue(sub *Subroutine, paramSlots int) int {
	last := sub.Last()
	if last <= sub.Start {
		return last
	}
	prev := x.Prog.At(last - 1)
	if prev.Op != bytecode.OpMovSP || x.dead[last-1] {
		return last
	}
	if len(x.origins[last-1]) > 0 || (paramSlots > 0 && prev.Slots() == paramSlots) {
		return last - 1
	}
	return last
}

// Marks returns subroutine labels by position, for listings.
func (x *Index) Marks() map[int]string {
	m := make(map[int]string, len(x.Subs))
	for _, s := range x.Subs {
		label := fmt.Sprintf("sub%d", s.ID)
		if s.Kind != KindSub {
			label = fmt.Sprintf("%s (sub%d)", s.Kind, s.ID)
		}
		m[x.Pos(s.Start)] = label
	}
	return m
}
