package infer

import (
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/pkg/stack"
	"github.com/chazu/ncsdecomp/pkg/types"
	"github.com/chazu/ncsdecomp/signature"
)

// frame is a saved abstract state at a jump target.
type frame struct {
	stack *stack.TypeStack
	below int
}

// pass is one sweep over one subroutine.
type pass struct {
	e   *engine
	sub *analysis.Subroutine
	st  *signature.State
	pos int // position of the instruction being stepped

	stack *stack.TypeStack
	below int // caller-frame slots consumed by MOVSP past the bottom
	saved map[int]frame

	poisoned bool
	transfer bool // the previous instruction never falls through

	frameTypes map[int]types.Type // caller-frame slot -> observed type
	writes     map[int]types.Type // caller-frame slot -> type stored into it
	groups     map[int]int        // caller-frame slot -> composite width

	incomplete bool // relied on a callee that is not Done
	changed    bool
	prev       []signature.Decision
	skipped    map[int]bool
}

func newPass(e *engine, sub *analysis.Subroutine, st *signature.State) *pass {
	return &pass{
		e:          e,
		sub:        sub,
		st:         st,
		stack:      stack.NewTypeStack(),
		saved:      make(map[int]frame),
		frameTypes: make(map[int]types.Type),
		writes:     make(map[int]types.Type),
		groups:     make(map[int]int),
		skipped:    make(map[int]bool),
	}
}

func (p *pass) run() (bool, error) {
	for {
		d, ok := p.st.Dequeue()
		if !ok {
			break
		}
		p.prev = append(p.prev, d)
	}

	idx := p.e.idx
	for i := p.sub.Start; i < p.sub.End; i++ {
		if idx.Dead(i) {
			continue
		}
		in := idx.Ins(i)
		if f, ok := p.saved[i]; ok && (p.transfer || p.poisoned) {
			p.stack = f.stack.Clone()
			p.below = f.below
			p.poisoned = false
		}
		p.transfer = false

		if p.poisoned {
			if in.Op.IsJump() {
				if err := p.skip(in); err != nil {
					return false, err
				}
			}
			p.transfer = in.Op.IsTransfer()
			continue
		}
		p.pos = in.Pos
		if p.e.opts.Debug {
			log.Debugf("sub%d %04X %-20s size=%d below=%d", p.sub.ID, in.Pos, in, p.stack.Size(), p.below)
		}
		if err := p.step(i, in); err != nil {
			return false, err
		}
	}

	for _, d := range p.prev {
		if !d.Taken && !p.skipped[d.Pos] {
			// a path skipped last time was walked this time
			p.changed = true
		}
	}
	return p.changed, nil
}

func (p *pass) step(i int, in *bytecode.Instruction) error {
	switch in.Op {
	case bytecode.OpRSAdd, bytecode.OpConst:
		p.stack.Push(stack.TypeSlot{Type: types.FromCode(in.Type)})

	case bytecode.OpCPTopSP:
		p.copyTop(in)

	case bytecode.OpCPDownSP:
		p.copyDown(in)

	case bytecode.OpMovSP:
		_, short := p.pop(in.Slots())
		p.below += short

	case bytecode.OpAction:
		p.action(in)

	case bytecode.OpJSR:
		return p.call(i, in)

	case bytecode.OpLogAnd, bytecode.OpLogOr, bytecode.OpIncOr, bytecode.OpExcOr, bytecode.OpBoolAnd,
		bytecode.OpEqual, bytecode.OpNEqual, bytecode.OpGEq, bytecode.OpGT, bytecode.OpLT, bytecode.OpLEq,
		bytecode.OpShLeft, bytecode.OpShRight, bytecode.OpUShRight,
		bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		p.binary(in)

	case bytecode.OpNeg, bytecode.OpComp, bytecode.OpNot:
		t := types.UnaryOperand(in.Op, in.Type)
		p.expect(p.popFlat(1), []types.Type{t})
		p.stack.Push(stack.TypeSlot{Type: types.Result(in.Op, in.Type)})

	case bytecode.OpJZ, bytecode.OpJNZ:
		p.expect(p.popFlat(1), []types.Type{types.Int})
		if d := p.e.idx.Dest(i); d > i {
			p.save(d)
		}

	case bytecode.OpJmp:
		if d := p.e.idx.Dest(i); d > i {
			p.save(d)
		}
		p.transfer = true

	case bytecode.OpRetn:
		if i == p.sub.Last() {
			p.finish(in)
		}
		p.transfer = true

	case bytecode.OpDestruct:
		p.destruct(in)

	case bytecode.OpIncISP, bytecode.OpDecISP:
		if s := p.read(in.Slots()); s.Ref > 0 {
			p.learn(s.Ref-1, types.Int)
		}

	case bytecode.OpCPTopBP:
		p.copyGlobals(in)

	case bytecode.OpCPDownBP:
		n := in.SizeSlots()
		if g := p.e.globals; g != nil {
			src := p.peekFlat(n)
			want := make([]types.Type, n)
			for j := range want {
				want[j] = readType(g, in.Slots()-j)
			}
			p.expect(src, want)
		}

	case bytecode.OpSaveBP:
		if p.sub.Kind == analysis.KindGlobals {
			p.e.globals = p.stack.Clone()
		}

	case bytecode.OpIncIBP, bytecode.OpDecIBP, bytecode.OpRestoreBP,
		bytecode.OpStoreState, bytecode.OpStoreStateAll, bytecode.OpNop:

	default:
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "unhandled opcode %s", in.Op)
	}
	return nil
}

// read returns the slot at offset, looking into the caller's frame below
// the bottom of the stack.
func (p *pass) read(off int) stack.TypeSlot {
	size := p.stack.Size()
	if off <= size {
		return readSlot(p.stack, off)
	}
	d := off - size - 1 + p.below
	return stack.TypeSlot{Type: p.frameType(d), Ref: d + 1}
}

func readSlot(s *stack.TypeStack, off int) stack.TypeSlot {
	e, m, ok := s.Peek(off)
	if !ok {
		return stack.TypeSlot{Type: types.Unknown}
	}
	flat := e.Type.Flatten()
	t := types.Unknown
	if m < len(flat) {
		t = flat[m]
	}
	ref := 0
	if e.Ref > m {
		ref = e.Ref - m
	}
	return stack.TypeSlot{Type: t, Ref: ref}
}

func readType(s *stack.TypeStack, off int) types.Type {
	return readSlot(s, off).Type
}

// frameType returns what is known about caller-frame slot d.
func (p *pass) frameType(d int) types.Type {
	t := types.Unknown
	if d < p.st.ParamSlots() {
		t = p.st.ParamType(d)
	}
	if ft, ok := p.frameTypes[d]; ok {
		t, _ = t.Unify(ft)
	}
	return t
}

func (p *pass) learn(d int, t types.Type) {
	if d < 0 || !t.IsKnown() {
		return
	}
	cur, ok := p.frameTypes[d]
	if !ok {
		p.frameTypes[d] = t
		return
	}
	if u, ok := cur.Unify(t); ok {
		p.frameTypes[d] = u
	}
}

// expect types untyped caller-frame values by the way they are used.
func (p *pass) expect(slots []stack.TypeSlot, want []types.Type) {
	for j, s := range slots {
		if j >= len(want) {
			return
		}
		if s.Ref > 0 && !s.Type.IsKnown() {
			p.learn(s.Ref-1, want[j])
		}
	}
}

// pop removes n slots; a shortfall is returned, not reported.
func (p *pass) pop(n int) ([]stack.TypeSlot, int) {
	popped, short, err := p.stack.Pop(n)
	if err != nil {
		// type entries always split, so this cannot happen on a sound stack
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, p.pos, "pop %d: %v", n, err)
		return nil, 0
	}
	return popped, short
}

// popFlat removes n slots and returns them one per slot, deepest first.
// Missing slots are reported and come back unknown.
func (p *pass) popFlat(n int) []stack.TypeSlot {
	popped, short := p.pop(n)
	if short > 0 {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, p.pos, "stack underflow by %d slots", short)
	}
	out := make([]stack.TypeSlot, 0, n)
	for i := 0; i < short; i++ {
		out = append(out, stack.TypeSlot{Type: types.Unknown})
	}
	return append(out, flatten(popped)...)
}

func (p *pass) peekFlat(n int) []stack.TypeSlot {
	out := make([]stack.TypeSlot, n)
	for j := 0; j < n; j++ {
		out[j] = p.read(n - j)
	}
	return out
}

func flatten(es []stack.TypeSlot) []stack.TypeSlot {
	var out []stack.TypeSlot
	for _, e := range es {
		ts := e.Type.Flatten()
		if len(ts) <= 1 {
			out = append(out, e)
			continue
		}
		ref := e.Ref
		for _, t := range ts {
			out = append(out, stack.TypeSlot{Type: t, Ref: ref})
			if ref > 0 {
				ref--
			}
		}
	}
	return out
}

func (p *pass) save(d int) {
	if _, ok := p.saved[d]; ok {
		return
	}
	p.saved[d] = frame{stack: p.stack.Clone(), below: p.below}
}

// skip queues a jump passed over on a poisoned path.
func (p *pass) skip(in *bytecode.Instruction) error {
	p.skipped[in.Pos] = true
	return p.st.Enqueue(signature.Decision{Pos: in.Pos, Dest: in.Dest()})
}

func (p *pass) poison(in *bytecode.Instruction) error {
	p.poisoned = true
	return p.skip(in)
}

func (p *pass) copyTop(in *bytecode.Instruction) {
	n, k := in.SizeSlots(), in.Slots()
	size := p.stack.Size()
	reads := make([]stack.TypeSlot, n)
	for j := 0; j < n; j++ {
		reads[j] = p.read(k - j)
	}
	if n > 1 && k-n+1 > size {
		// a composite parameter copied whole
		d := k - n + 1 - size - 1 + p.below
		p.groups[d] = n
	}
	for _, r := range reads {
		p.stack.Push(r)
	}
}

func (p *pass) copyDown(in *bytecode.Instruction) {
	n, k := in.SizeSlots(), in.Slots()
	size := p.stack.Size()
	src := p.peekFlat(n)
	for j := 0; j < n; j++ {
		off := k - j
		if off <= size {
			p.expect(src[j:j+1], []types.Type{readType(p.stack, off)})
			continue
		}
		d := off - size - 1 + p.below
		t := src[j].Type
		if !t.IsKnown() && src[j].Ref > 0 {
			t = p.frameType(src[j].Ref - 1)
		}
		if w, ok := p.writes[d]; ok {
			t, _ = w.Unify(t)
		}
		p.writes[d] = t
		p.expect(src[j:j+1], []types.Type{p.frameType(d)})
	}
	if n > 1 && k-n+1 > size {
		p.groups[k-n+1-size-1+p.below] = n
	}
}

func (p *pass) copyGlobals(in *bytecode.Instruction) {
	n, k := in.SizeSlots(), in.Slots()
	g := p.e.globals
	if g == nil || k > g.Size() {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "global read outside the frozen frame")
	}
	for j := 0; j < n; j++ {
		t := types.Unknown
		if g != nil {
			t = readType(g, k-j)
		}
		p.stack.Push(stack.TypeSlot{Type: t})
	}
}

func (p *pass) action(in *bytecode.Instruction) {
	argc := int(in.Argc)
	a, ok := p.e.catalog.Lookup(int(in.Action))
	if !ok {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos,
			"unknown action %d: assuming %d single-slot arguments and no result", in.Action, argc)
		p.popFlat(argc)
		return
	}
	for k := 0; k < argc; k++ {
		if k >= len(a.Params) {
			diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "%s: extra argument %d", a.Name, k)
			p.popFlat(1)
			continue
		}
		pt := a.Params[k]
		if pt.Kind == types.KindAction {
			continue
		}
		p.expect(p.popFlat(pt.Slots()), pt.Flatten())
	}
	if a.Returns.Slots() > 0 {
		p.stack.Push(stack.TypeSlot{Type: a.Returns})
	}
}

func (p *pass) call(i int, in *bytecode.Instruction) error {
	callee := p.e.idx.Callee(i)
	if callee == nil {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "call to %04X outside any subroutine", in.Dest())
		return nil
	}
	cst := p.e.table.Get(callee.ID)
	if cst.Status == signature.Unstarted && !p.e.active[callee.ID] {
		if p.e.prototype(callee) {
			p.changed = true
		}
	}
	if cst.Err != nil || cst.ParamSlots() < 0 {
		return p.poison(in)
	}
	if !cst.IsDone() {
		p.incomplete = true
	}

	d := 0
	for _, pt := range cst.Parameters() {
		w := pt.Slots()
		want := pt.Flatten()
		for j, s := range p.popFlat(w) {
			if j >= len(want) {
				break
			}
			if !want[j].IsKnown() {
				// the caller knows better; slot j counts from the deepest
				if cst.UpdateParam(d+w-1-j, s.Type) {
					p.changed = true
				}
				continue
			}
			p.expect([]stack.TypeSlot{s}, want[j:j+1])
		}
		d += w
	}

	if rn := cst.ReturnSlots(); rn > 0 && !cst.Return().IsKnown() {
		reserved := stack.Types(p.stack, rn)
		if cst.UpdateReturn(types.Composite(reserved)) {
			p.changed = true
		}
	}
	return nil
}

func (p *pass) binary(in *bytecode.Instruction) {
	if in.Type == bytecode.TypeTT {
		n := in.SizeSlots()
		p.popFlat(n)
		p.popFlat(n)
		p.stack.Push(stack.TypeSlot{Type: types.Int})
		return
	}
	l, r := types.Operands(in.Type)
	rw, lw := r.Slots(), l.Slots()
	if !r.IsKnown() {
		rw, lw = 1, 1
	}
	p.expect(p.popFlat(rw), r.Flatten())
	p.expect(p.popFlat(lw), l.Flatten())
	if res := types.Result(in.Op, in.Type); res.Slots() > 0 {
		p.stack.Push(stack.TypeSlot{Type: res})
	}
}

func (p *pass) destruct(in *bytecode.Instruction) {
	n := in.SizeSlots()
	off := int(in.Offset) / bytecode.SlotSize
	keep := int(in.Keep) / bytecode.SlotSize
	flat := p.popFlat(n)
	if off < 0 || off+keep > len(flat) {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "destruct keeps %d+%d of %d slots", off, keep, len(flat))
		for j := 0; j < keep; j++ {
			p.stack.Push(stack.TypeSlot{Type: types.Unknown})
		}
		return
	}
	for _, s := range flat[off : off+keep] {
		p.stack.Push(s)
	}
}

// finish derives the signature at the terminal RETN.
func (p *pass) finish(in *bytecode.Instruction) {
	if size := p.stack.Size(); size != 0 {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "%d slots left on the stack at return", size)
		return
	}
	params := p.below
	if params > p.e.opts.MaxParams {
		diag.Reportf(p.e.opts.Sink, diag.Clamp, p.sub.ID, in.Pos, "%d parameter slots exceeds the limit of %d", params, p.e.opts.MaxParams)
		return
	}

	ch := p.st.SetParamSlots(params)
	for d := 0; d < params; d++ {
		if t, ok := p.frameTypes[d]; ok {
			ch = p.st.UpdateParam(d, t) || ch
		}
		if t, ok := p.writes[d]; ok {
			ch = p.st.UpdateParam(d, t) || ch
		}
	}
	for d, w := range p.groups {
		if d+w <= params {
			ch = p.st.GroupParams(d, w) || ch
		}
	}

	top := -1
	for d := range p.writes {
		if d-params > top {
			top = d - params
		}
	}
	if top >= 0 {
		ms := make([]types.Type, top+1)
		for k := range ms {
			t, ok := p.writes[params+top-k]
			if !ok {
				t = types.Unknown
			}
			ms[k] = t
		}
		ch = p.st.UpdateReturn(types.Composite(ms)) || ch
	}

	if !p.incomplete {
		ch = p.st.Finish() || ch
	}
	p.changed = p.changed || ch
}
