package structure

import (
	"fmt"
	"sort"

	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/pkg/types"
	"github.com/chazu/ncsdecomp/script"
)

// saveAt records the stack a forward jump carries to dest. The first
// arrival wins.
func (e *engine) saveAt(dest int) {
	if _, ok := e.saved[dest]; !ok {
		e.saved[dest] = e.vars.Clone()
		e.fresh = append(e.fresh, dest)
	}
}

func negate(x script.Expr) script.Expr {
	if u, ok := x.(*script.UnaryExpr); ok && u.Op == "!" {
		return u.X
	}
	return &script.UnaryExpr{Op: "!", X: x, T: types.Int}
}

// openLoops opens a loop for every backward jump that lands on i,
// outermost first.
func (e *engine) openLoops(i int) {
	var closers []int
	for _, j := range e.idx.Origins(i) {
		if j >= i && e.sub.Contains(j) && !e.idx.Dead(j) {
			closers = append(closers, j)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(closers)))

	for n, j := range closers {
		if n > 0 && !e.ownsLoop(i, j) {
			// a plain back jump inside the outer loop is a continue
			continue
		}
		l := &loop{start: i, end: j + 1, closer: j, cond: -1, test: -1}
		closer := e.idx.Ins(j)
		kind := script.KindWhile
		var cond script.Expr

		switch {
		case e.jumpsToTest(i-1, j):
			l.cond = j
			l.test = e.idx.Dest(i - 1)
		case closer.Op.IsConditional():
			kind = script.KindDo
			l.cond = j
		default:
			c := e.exitTest(i, j)
			switch {
			case c < 0:
				cond = &script.ConstExpr{T: types.Int, Int: 1}
			case !e.statementBoundary(i, c):
				l.cond = c
			case c == j-1:
				kind = script.KindDo
				l.cond = c
			default:
				cond = &script.ConstExpr{T: types.Int, Int: 1}
			}
		}

		l.node = e.add(script.Node{Kind: kind, Cond: cond, Start: e.pos(i), End: e.pos(j + 1)})
		e.cur = l.node
		e.loops = append(e.loops, l)
		log.Debugf("sub%d %s loop %04X-%04X", e.sub.ID, kind, e.pos(i), e.pos(j+1))
	}
}

// ownsLoop reports whether the back jump at j closes a loop of its own
// rather than continuing an enclosing loop with the same header: it is a
// do-while test, or it has an exit test at the header that no open loop
// has claimed.
func (e *engine) ownsLoop(i, j int) bool {
	if e.idx.Ins(j).Op.IsConditional() {
		return true
	}
	c := e.exitTest(i, j)
	return c >= 0 && !e.statementBoundary(i, c) && e.loopFor(c) == nil
}

// jumpsToTest reports whether the JMP at k skips forward to the test of
// a loop whose conditional back jump at j returns to k+1.
func (e *engine) jumpsToTest(k, j int) bool {
	if k < e.sub.Start || !e.idx.Ins(j).Op.IsConditional() {
		return false
	}
	in := e.idx.Ins(k)
	if in.Op != bytecode.OpJmp || e.idx.Dead(k) {
		return false
	}
	t := e.idx.Dest(k)
	return t > k+1 && t <= j
}

// isJumpToTest reports whether the JMP at k enters a loop at its test.
func (e *engine) isJumpToTest(k int) bool {
	if k+1 >= e.sub.End {
		return false
	}
	for _, j := range e.idx.Origins(k + 1) {
		if j > k && e.jumpsToTest(k, j) {
			return true
		}
	}
	return false
}

// exitTest returns the first conditional jump in [i, j) that leaves the
// loop closed at j, or -1.
func (e *engine) exitTest(i, j int) int {
	for c := i; c < j; c++ {
		if e.idx.Ins(c).Op.IsConditional() && e.idx.Dest(c) == j+1 {
			return c
		}
	}
	return -1
}

func (e *engine) loopFor(i int) *loop {
	for k := len(e.loops) - 1; k >= 0; k-- {
		if e.loops[k].cond == i {
			return e.loops[k]
		}
	}
	return nil
}

func (e *engine) innerLoop() *loop {
	if len(e.loops) == 0 {
		return nil
	}
	return e.loops[len(e.loops)-1]
}

func (e *engine) innerSwitch() *switchState {
	if len(e.switches) == 0 {
		return nil
	}
	return e.switches[len(e.switches)-1]
}

func (e *engine) condJump(i int, in *bytecode.Instruction) error {
	dest := e.idx.Dest(i)
	if dest < 0 {
		return fmt.Errorf("jump to %04X outside the program", in.Dest())
	}

	// a && b and a || b: the jump skips the right operand and its operator
	if dest > i && dest-1 > i {
		skipped := e.idx.Ins(dest - 1).Op
		if (in.Op == bytecode.OpJZ && skipped == bytecode.OpLogAnd) || (in.Op == bytecode.OpJNZ && skipped == bytecode.OpLogOr) {
			_, err := e.popValue(i, 1)
			return err
		}
	}

	if l := e.loopFor(i); l != nil {
		cond, err := e.popValue(i, 1)
		if err != nil {
			return err
		}
		forward := dest > i
		if forward == (in.Op == bytecode.OpJNZ) {
			cond = negate(cond)
		}
		e.tree.Edit(l.node).Cond = cond
		if forward {
			e.saveAt(dest)
		}
		return nil
	}

	if dest <= i {
		return fmt.Errorf("backward %s to %04X closes no loop", in.Op, in.Dest())
	}

	cond, err := e.popValue(i, 1)
	if err != nil {
		return err
	}

	if e.opts.SwitchDetection && in.Op == bytecode.OpJNZ {
		if eq, ok := cond.(*script.BinaryExpr); ok && eq.Op == "==" {
			if _, isConst := eq.Y.(*script.ConstExpr); isConst && e.vars.Len() > 0 {
				disc, _ := e.vars.Top()
				if disc != nil && eq.X == script.ExprOf(disc) {
					e.switchCase(i, disc, eq.Y, dest)
					e.saveAt(dest)
					return nil
				}
			}
		}
	}

	if in.Op == bytecode.OpJNZ {
		cond = negate(cond)
	}
	e.saveAt(dest)
	e.cur = e.add(script.Node{Kind: script.KindIf, Cond: cond, Start: e.pos(i + 1), End: e.pos(dest)})
	return nil
}

// switchCase adds a case label, opening a switch unless one is still
// collecting labels for the same discriminant.
func (e *engine) switchCase(i int, disc script.Entry, label script.Expr, dest int) {
	sw := e.innerSwitch()
	if sw == nil || !sw.header || sw.disc != disc || e.cur != sw.node {
		script.Consume(disc)
		sw = &switchState{disc: disc, header: true}
		sw.node = e.add(script.Node{Kind: script.KindSwitch, X: script.ExprOf(disc), Start: e.pos(i), End: e.pos(e.sub.End)})
		e.switches = append(e.switches, sw)
		e.cur = sw.node
		e.mode = modeSwitchCases
	}
	sw.labels = append(sw.labels, caseLabel{value: label, dest: dest})
}

// endSwitchHeader completes a switch at the JMP that follows its last
// label. The JMP targets either the default label or the end.
func (e *engine) endSwitchHeader(sw *switchState, dest int) {
	sw.header = false
	e.mode = modeNormal
	if e.idx.Ins(dest).Op == bytecode.OpMovSP {
		sw.end = e.pos(dest)
	} else {
		sw.labels = append(sw.labels, caseLabel{dest: dest})
		sw.end = e.scanSwitchEnd(dest)
	}
	sort.SliceStable(sw.labels, func(a, b int) bool { return sw.labels[a].dest < sw.labels[b].dest })

	e.tree.Edit(sw.node).End = sw.end
	for k, l := range sw.labels {
		end := sw.end
		if k+1 < len(sw.labels) {
			end = e.pos(sw.labels[k+1].dest)
		}
		start := e.pos(l.dest)
		if end < start {
			end = start
		}
		kind := script.KindCase
		if l.value == nil {
			kind = script.KindDefault
		}
		id := e.tree.Add(sw.node, script.Node{Kind: kind, X: l.value, Start: start, End: end})
		sw.cases = append(sw.cases, id)
	}
}

// scanSwitchEnd finds the MOVSP that drops the discriminant after a
// default label at d, by tracking stack depth.
func (e *engine) scanSwitchEnd(d int) int {
	depth := 0
	for k := d; k < e.sub.End; k++ {
		if e.idx.Dead(k) {
			continue
		}
		in := e.idx.Ins(k)
		pop, push := e.effect(in, k)
		if in.Op == bytecode.OpMovSP && depth-pop < 0 && !e.leavesBlock(k+1) {
			return e.pos(k)
		}
		depth += push - pop
	}
	return e.pos(e.epilogue)
}

// leavesBlock reports whether k is a JMP out to the epilogue, a loop end
// or backwards: a MOVSP before it is cleanup, not the end of a switch.
func (e *engine) leavesBlock(k int) bool {
	if k >= e.sub.End || e.idx.Ins(k).Op != bytecode.OpJmp {
		return false
	}
	dest := e.idx.Dest(k)
	if dest >= e.epilogue || dest <= k {
		return true
	}
	for _, l := range e.loops {
		if dest == l.end {
			return true
		}
	}
	return false
}

func (e *engine) enterCase(pos int) {
	sw := e.innerSwitch()
	if sw == nil || sw.header || e.cur != sw.node {
		return
	}
	for _, id := range sw.cases {
		n := e.tree.Node(id)
		if n.Start == pos && n.End > n.Start {
			e.cur = id
			return
		}
	}
}

func (e *engine) jump(i int, in *bytecode.Instruction) error {
	dest := e.idx.Dest(i)
	if dest < 0 {
		return fmt.Errorf("jump to %04X outside the program", in.Dest())
	}
	start, end := e.pos(i), e.pos(i+1)

	if e.mode == modeStoreState {
		e.mode = modeNormal
		id := e.add(script.Node{Kind: script.KindArg, Start: e.pos(i + 1), End: e.pos(dest)})
		e.args = append(e.args, argFrame{node: id, snapshot: e.snapshot})
		e.snapshot = nil
		e.cur = id
		return nil
	}

	if dest > i {
		e.saveAt(dest)
	}

	if e.isJumpToTest(i) {
		return nil
	}
	for _, l := range e.loops {
		if l.closer == i {
			return nil
		}
	}
	if sw := e.innerSwitch(); sw != nil && sw.header && e.cur == sw.node {
		e.endSwitchHeader(sw, dest)
		return nil
	}

	l := e.innerLoop()
	sw := e.innerSwitch()
	if sw != nil && !sw.header && (l == nil || sw.node > l.node) && e.pos(dest) == sw.end {
		e.add(script.Node{Kind: script.KindBreak, Start: start, End: end})
		return nil
	}

	if dest >= e.epilogue {
		if last := e.tree.LastChild(e.cur); last != script.NoNode && e.tree.Node(last).Kind == script.KindReturn {
			return nil
		}
	}

	if n := e.tree.Node(e.cur); n.Kind == script.KindIf && end == n.End && dest > i+1 &&
		e.pos(dest) <= e.tree.Node(n.Parent).End && (l == nil || dest != l.end) {
		e.tree.Edit(e.cur).Dest = e.pos(dest)
		return nil
	}

	if dest >= e.epilogue {
		e.add(script.Node{Kind: script.KindReturn, Start: start, End: end})
		return nil
	}

	if l != nil {
		switch {
		case dest >= l.end:
			e.add(script.Node{Kind: script.KindBreak, Start: start, End: end})
			return nil
		case dest == l.start || dest == l.test || dest == l.closer:
			e.add(script.Node{Kind: script.KindContinue, Start: start, End: end})
			return nil
		}
		id := e.add(script.Node{Kind: script.KindLoopControl, Dest: e.pos(dest), Start: start, End: end})
		l.pending = append(l.pending, id)
		return nil
	}

	diag.Reportf(e.opts.Sink, diag.Unresolved, e.sub.ID, start, "jump to %04X outside any loop", e.pos(dest))
	e.add(script.Node{Kind: script.KindLoopControl, Dest: e.pos(dest), Start: start, End: end})
	return nil
}

// closeBlocks closes every block ending at pos, opening an else where
// an if skipped one.
func (e *engine) closeBlocks(pos int) {
	for e.cur != e.tree.Root {
		n := e.tree.Node(e.cur)
		if n.End > pos {
			return
		}
		parent := n.Parent
		switch n.Kind {
		case script.KindIf:
			if n.Dest > pos {
				e.cur = e.tree.Add(parent, script.Node{Kind: script.KindElse, Start: pos, End: n.Dest})
				continue
			}
		case script.KindWhile, script.KindDo:
			e.closeLoop(e.cur)
		case script.KindArg:
			e.closeArg(e.cur)
		case script.KindSwitch:
			if k := len(e.switches); k > 0 && e.switches[k-1].node == e.cur {
				e.switches = e.switches[:k-1]
			}
			if e.mode == modeSwitchCases {
				e.mode = modeNormal
			}
		}
		e.cur = parent
	}
}

func (e *engine) closeLoop(id script.NodeID) {
	k := len(e.loops) - 1
	for k >= 0 && e.loops[k].node != id {
		k--
	}
	if k < 0 {
		return
	}
	l := e.loops[k]
	end := e.tree.Node(id).End
	for _, p := range l.pending {
		n := e.tree.Node(p)
		if n.Dest >= end {
			n.Kind = script.KindBreak
		} else {
			n.Kind = script.KindContinue
		}
	}
	e.loops = append(e.loops[:k], e.loops[k+1:]...)
}

// closeArg turns the statements gathered under an Arg node into a
// deferred action and restores the stack captured at STORESTATE.
func (e *engine) closeArg(id script.NodeID) {
	k := len(e.args) - 1
	if k < 0 || e.args[k].node != id {
		return
	}
	frame := e.args[k]
	e.args = e.args[:k]

	c := &script.ClosureExpr{}
	for _, child := range e.tree.Children(id) {
		if n := e.tree.Node(child); n.Kind == script.KindExpr {
			c.Body = append(c.Body, n.X)
		}
	}
	e.tree.Detach(id)
	e.closures = append(e.closures, c)
	if frame.snapshot != nil {
		e.vars = frame.snapshot
	}
	e.prevTransfer = false
}
