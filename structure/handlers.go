package structure

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/pkg/types"
	"github.com/chazu/ncsdecomp/script"
)

var binaryOps = map[bytecode.Opcode]string{
	bytecode.OpLogAnd:   "&&",
	bytecode.OpLogOr:    "||",
	bytecode.OpIncOr:    "|",
	bytecode.OpExcOr:    "^",
	bytecode.OpBoolAnd:  "&",
	bytecode.OpEqual:    "==",
	bytecode.OpNEqual:   "!=",
	bytecode.OpGEq:      ">=",
	bytecode.OpGT:       ">",
	bytecode.OpLT:       "<",
	bytecode.OpLEq:      "<=",
	bytecode.OpShLeft:   "<<",
	bytecode.OpShRight:  ">>",
	bytecode.OpUShRight: ">>>",
	bytecode.OpAdd:      "+",
	bytecode.OpSub:      "-",
	bytecode.OpMul:      "*",
	bytecode.OpDiv:      "/",
	bytecode.OpMod:      "%",
}

var unaryOps = map[bytecode.Opcode]string{
	bytecode.OpNeg:  "-",
	bytecode.OpComp: "~",
	bytecode.OpNot:  "!",
}

func (e *engine) step(i int) error {
	in := e.idx.Ins(i)
	if e.mode == modePrefix && in.Op != bytecode.OpCPTopSP {
		e.mode = modeNormal
		e.prefix = nil
	}

	switch in.Op {
	case bytecode.OpRSAdd:
		e.reserve(i, types.FromCode(in.Type))
	case bytecode.OpConst:
		e.vars.Push(&script.Constant{Value: &script.ConstExpr{
			T: types.FromCode(in.Type), Int: in.Int, Float: in.Float, Str: in.Str,
		}})
	case bytecode.OpCPTopSP:
		return e.copyTop(e.vars, in)
	case bytecode.OpCPTopBP:
		if e.globals == nil {
			return errors.New("globals read without a globals frame")
		}
		return e.copyTop(e.globals, in)
	case bytecode.OpCPDownSP:
		return e.copyDown(i, e.vars, in.Slots(), in.SizeSlots())
	case bytecode.OpCPDownBP:
		if e.globals == nil {
			return errors.New("globals write without a globals frame")
		}
		return e.copyDown(i, e.globals, in.Slots(), in.SizeSlots())
	case bytecode.OpMovSP:
		e.drop(i, in.Slots())
	case bytecode.OpAction:
		return e.action(i, in)
	case bytecode.OpJSR:
		return e.call(i)
	case bytecode.OpJZ, bytecode.OpJNZ:
		return e.condJump(i, in)
	case bytecode.OpJmp:
		return e.jump(i, in)
	case bytecode.OpRetn:
		if !e.inArg() {
			e.add(script.Node{Kind: script.KindReturn, Start: e.pos(i), End: e.pos(i + 1)})
		}
	case bytecode.OpDestruct:
		return e.destruct(in)
	case bytecode.OpIncISP, bytecode.OpDecISP:
		return e.incDec(i, e.vars, in, true)
	case bytecode.OpIncIBP, bytecode.OpDecIBP:
		if e.globals == nil {
			return errors.New("globals update without a globals frame")
		}
		return e.incDec(i, e.globals, in, false)
	case bytecode.OpSaveBP:
		if e.sub.Kind == analysis.KindGlobals {
			e.frozen = e.vars.Clone()
		}
	case bytecode.OpStoreState, bytecode.OpStoreStateAll:
		e.mode = modeStoreState
		e.snapshot = e.vars.Clone()
	case bytecode.OpRestoreBP, bytecode.OpNop:
	default:
		if op, ok := binaryOps[in.Op]; ok {
			return e.binary(i, in, op)
		}
		if op, ok := unaryOps[in.Op]; ok {
			x, err := e.popValue(i, 1)
			if err != nil {
				return err
			}
			e.vars.Push(script.Temp(&script.UnaryExpr{Op: op, X: x, T: types.Result(in.Op, in.Type)}))
			return nil
		}
		return fmt.Errorf("unhandled opcode %s", in.Op)
	}
	return nil
}

func (e *engine) reserve(i int, t types.Type) {
	var flags script.Flags
	if e.global {
		flags = script.FlagGlobal
	}
	v := &script.Variable{T: t, Name: e.newName(t), Flags: flags}
	v.Decl = e.add(script.Node{Kind: script.KindVarDecl, Var: v, Start: e.pos(i), End: e.pos(i + 1)})
	e.vars.Push(v)
}

// copyOf returns the entry pushed by copying member m of x, or the whole
// of x when m is negative.
func copyOf(x script.Entry, m int) script.Entry {
	switch v := x.(type) {
	case *script.Constant:
		return &script.Constant{Value: v.Value}
	case *script.VarStruct:
		if m >= 0 {
			return script.Temp(&script.VarRef{V: v.Members[m]})
		}
		return script.Temp(&script.VarRef{V: v})
	case *script.Variable:
		if !v.IsTemp() {
			return script.Temp(&script.VarRef{V: v})
		}
		script.Consume(v)
		if m >= 0 && v.Slots() > 1 {
			elems := v.T.Flatten()
			return script.Temp(&script.MemberExpr{X: v.Value, Index: m, T: elems[m]})
		}
		return script.Temp(v.Value)
	}
	return x
}

func (e *engine) copyTop(from *script.VarStack, in *bytecode.Instruction) error {
	k, n := in.Slots(), in.SizeSlots()
	if n == 1 {
		x, m, ok := from.Peek(k)
		if !ok {
			return fmt.Errorf("read of slot %d below the stack", k)
		}
		if e.mode == modePrefix && in.Op == bytecode.OpCPTopSP {
			e.mode = modeNormal
			target := e.prefix
			e.prefix = nil
			if named := namedAt(x, m); named != nil && named == target {
				e.vars.Push(script.Temp(&script.IncDec{Op: e.prefixOp, Prefix: true, X: &script.VarRef{V: target}}))
				return nil
			}
		}
		if x.Slots() == 1 {
			m = -1
		}
		e.vars.Push(copyOf(x, m))
		return nil
	}
	x, err := from.Structify(k-n+1, n)
	if err != nil {
		return err
	}
	e.nameStruct(x)
	e.vars.Push(copyOf(x, -1))
	return nil
}

// namedAt returns the named variable holding member m of x, if any.
func namedAt(x script.Entry, m int) script.Named {
	switch v := x.(type) {
	case *script.VarStruct:
		return v.Members[m]
	case *script.Variable:
		if !v.IsTemp() {
			return v
		}
	}
	return nil
}

// nameStruct names a struct just joined from declared members and moves
// their declarations onto one node.
func (e *engine) nameStruct(x script.Entry) {
	s, ok := x.(*script.VarStruct)
	if !ok || s.Name != "" {
		return
	}
	s.Name = e.newName(s.T)
	s.Decl = script.NoNode
	for _, m := range s.Members {
		if m.Has(script.FlagGlobal) {
			s.Set(script.FlagGlobal)
		}
		if m.Decl == script.NoNode {
			continue
		}
		if s.Decl == script.NoNode {
			s.Decl = m.Decl
			e.tree.Edit(m.Decl).Var = s
		} else {
			e.tree.Detach(m.Decl)
		}
		m.Decl = script.NoNode
	}
}

// entries returns the n slots whose topmost slot is at off as one entry.
func (e *engine) entries(from *script.VarStack, off, n int) (script.Entry, error) {
	if n == 1 {
		parts, err := from.Range(off, 1)
		if err != nil {
			return nil, err
		}
		return parts[0], nil
	}
	x, err := from.Structify(off, n)
	if err != nil {
		return nil, err
	}
	e.nameStruct(x)
	return x, nil
}

func isNamed(x script.Entry) bool {
	switch v := x.(type) {
	case *script.VarStruct:
		return true
	case *script.Variable:
		return !v.IsTemp()
	}
	return false
}

func flagsOf(n script.Named) script.Flags {
	switch v := n.(type) {
	case *script.Variable:
		return v.Flags
	case *script.VarStruct:
		return v.Flags
	}
	return 0
}

func declOf(n script.Named) script.NodeID {
	switch v := n.(type) {
	case *script.Variable:
		return v.Decl
	case *script.VarStruct:
		return v.Decl
	}
	return script.NoNode
}

func setAssigned(n script.Named) {
	switch v := n.(type) {
	case *script.Variable:
		v.Set(script.FlagAssigned)
	case *script.VarStruct:
		v.Set(script.FlagAssigned)
	}
}

// copyDown handles CPDOWNSP and CPDOWNBP: an assignment, a return, or
// the initializer of the declaration just made.
func (e *engine) copyDown(i int, into *script.VarStack, k, n int) error {
	src, err := e.entries(e.vars, 1, n)
	if err != nil {
		return err
	}
	var target script.Named
	if n == 1 {
		x, m, ok := into.Peek(k)
		if !ok {
			return fmt.Errorf("write to slot %d below the stack", k)
		}
		target = namedAt(x, m)
	} else {
		x, err := e.entries(into, k-n+1, n)
		if err != nil {
			return err
		}
		target, _ = x.(script.Named)
		if v, ok := x.(*script.Variable); ok && v.IsTemp() {
			target = nil
		}
	}
	if target == nil {
		return fmt.Errorf("write to a temporary at slot %d", k)
	}

	value := script.ExprOf(src)
	flags := flagsOf(target)
	switch {
	case flags&script.FlagReturn != 0:
		script.Consume(src)
		e.add(script.Node{Kind: script.KindReturn, X: value, Start: e.pos(i), End: e.pos(i + 1)})
		return nil
	case e.opts.FoldInitializers && flags&(script.FlagAssigned|script.FlagParam|script.FlagReturn) == 0 &&
		declOf(target) != script.NoNode && declOf(target) == e.tree.LastChild(e.cur):
		script.Consume(src)
		e.tree.Edit(declOf(target)).Init = value
		setAssigned(target)
		return nil
	}

	setAssigned(target)
	assign := &script.AssignExpr{Target: &script.VarRef{V: target}, Value: value}
	if isNamed(src) {
		e.stmt(i, assign)
		return nil
	}
	script.Consume(src)
	e.vars.Replace(1, script.Temp(assign))
	return nil
}

// drop handles MOVSP. Unused results with side effects become statements.
func (e *engine) drop(i, n int) {
	popped, short, _ := e.vars.Pop(n)
	if short > 0 {
		diag.Reportf(e.opts.Sink, diag.Clamp, e.sub.ID, e.pos(i), "MOVSP removes %d slots more than the stack holds", short)
	}
	for _, x := range popped {
		if script.Consumed(x) {
			continue
		}
		script.Consume(x)
		if v := script.ExprOf(x); script.Impure(v) {
			e.stmt(i, v)
		}
	}
}

// popValue pops an n-slot value and returns its expression.
func (e *engine) popValue(i, n int) (script.Expr, error) {
	if n == 0 {
		return nil, nil
	}
	if size := e.vars.Size(); size < n {
		diag.Reportf(e.opts.Sink, diag.Clamp, e.sub.ID, e.pos(i), "operand needs %d slots, stack holds %d", n, size)
		e.vars.Pop(size)
		return &script.ConstExpr{T: types.Unknown}, nil
	}
	if n == 1 {
		parts, _, err := e.vars.Pop(1)
		if err != nil {
			return nil, err
		}
		script.Consume(parts[0])
		return script.ExprOf(parts[0]), nil
	}
	x, err := e.vars.Structify(1, n)
	if err != nil {
		return nil, err
	}
	e.nameStruct(x)
	e.vars.PopEntry()
	script.Consume(x)
	return script.ExprOf(x), nil
}

func (e *engine) action(i int, in *bytecode.Instruction) error {
	a, ok := e.in.Actions.Lookup(int(in.Action))
	if !ok {
		diag.Reportf(e.opts.Sink, diag.Clamp, e.sub.ID, in.Pos, "unknown action %d", in.Action)
		args := make([]script.Expr, 0, in.Argc)
		for k := 0; k < int(in.Argc); k++ {
			x, err := e.popValue(i, 1)
			if err != nil {
				return err
			}
			args = append(args, x)
		}
		e.stmt(i, &script.CallExpr{Name: fmt.Sprintf("Action%d", in.Action), Args: args, T: types.Void, Action: true, ID: int(in.Action)})
		return nil
	}

	args := make([]script.Expr, 0, in.Argc)
	for k := 0; k < int(in.Argc); k++ {
		pt := types.Unknown
		if k < len(a.Params) {
			pt = a.Params[k]
		}
		if pt.Kind == types.KindAction {
			if len(e.closures) == 0 {
				return fmt.Errorf("%s: no deferred action for argument %d", a.Name, k+1)
			}
			c := e.closures[len(e.closures)-1]
			e.closures = e.closures[:len(e.closures)-1]
			args = append(args, c)
			continue
		}
		x, err := e.popValue(i, pt.Slots())
		if err != nil {
			return err
		}
		args = append(args, x)
	}

	call := &script.CallExpr{Name: a.Name, Args: args, T: a.Returns, Action: true, ID: a.ID}
	if a.Returns.Slots() == 0 {
		e.stmt(i, call)
		return nil
	}
	e.vars.Push(script.Temp(call))
	return nil
}

func (e *engine) call(i int) error {
	callee := e.idx.Callee(i)
	if callee == nil {
		return fmt.Errorf("call to an unknown subroutine")
	}
	st := e.in.Sigs.Get(callee.ID)
	if st == nil || !st.IsTotallyPrototyped() {
		return errors.Wrapf(ErrNotPrototyped, "call to sub%d at %04X", callee.ID, e.pos(i))
	}

	params := st.Parameters()
	args := make([]script.Expr, 0, len(params))
	for _, pt := range params {
		x, err := e.popValue(i, pt.Slots())
		if err != nil {
			return err
		}
		args = append(args, x)
	}
	call := &script.CallExpr{Name: st.Name(), Args: args, T: st.Return(), ID: callee.ID}
	quiet := e.sub.Kind == analysis.KindGlobals && callee.Kind == analysis.KindMain

	rn := st.ReturnSlots()
	if rn == 0 {
		if !quiet {
			e.stmt(i, call)
		}
		return nil
	}

	// the caller reserved the result slots just before the arguments
	reserved, short, err := e.vars.Pop(rn)
	if err != nil {
		return err
	}
	if short > 0 {
		diag.Reportf(e.opts.Sink, diag.Clamp, e.sub.ID, e.pos(i), "no reserved slots for the result of %s", st.Name())
	}
	for _, r := range reserved {
		e.unreserve(r)
	}
	t := script.Temp(call)
	if quiet {
		script.Consume(t)
	}
	e.vars.Push(t)
	return nil
}

// unreserve drops the declaration of a slot reserved for a call result.
func (e *engine) unreserve(x script.Entry) {
	var vs []*script.Variable
	switch v := x.(type) {
	case *script.Variable:
		vs = []*script.Variable{v}
	case *script.VarStruct:
		vs = v.Members
		if v.Decl != script.NoNode && !v.Has(script.FlagAssigned) {
			e.tree.Detach(v.Decl)
		}
	}
	for _, v := range vs {
		if v.Decl != script.NoNode && !v.Has(script.FlagAssigned) {
			e.tree.Detach(v.Decl)
		}
	}
}

func (e *engine) binary(i int, in *bytecode.Instruction, op string) error {
	var lw, rw int
	res := types.Result(in.Op, in.Type)
	if in.Type == bytecode.TypeTT {
		lw, rw = in.SizeSlots(), in.SizeSlots()
	} else {
		lw, rw = operandSlots(in.Type)
	}
	y, err := e.popValue(i, rw)
	if err != nil {
		return err
	}
	x, err := e.popValue(i, lw)
	if err != nil {
		return err
	}
	e.vars.Push(script.Temp(&script.BinaryExpr{Op: op, X: x, Y: y, T: res}))
	return nil
}

func (e *engine) destruct(in *bytecode.Instruction) error {
	n := in.SizeSlots()
	from := int(in.Offset) / bytecode.SlotSize
	keep := int(in.Keep) / bytecode.SlotSize
	x, err := e.entries(e.vars, 1, n)
	if err != nil {
		return err
	}
	e.vars.PopEntry()
	script.Consume(x)
	elems := x.Type().Flatten()
	for k := from; k < from+keep && k < len(elems); k++ {
		switch v := x.(type) {
		case *script.VarStruct:
			e.vars.Push(script.Temp(&script.VarRef{V: v.Members[k]}))
		default:
			e.vars.Push(script.Temp(&script.MemberExpr{X: script.ExprOf(x), Index: k, T: elems[k]}))
		}
	}
	return nil
}

// incDec handles the in-place increments. On the local stack, a copy of
// the target just below makes it postfix and a copy just after makes it
// prefix; otherwise it is a statement of its own.
func (e *engine) incDec(i int, on *script.VarStack, in *bytecode.Instruction, local bool) error {
	op := "++"
	if in.Op == bytecode.OpDecISP || in.Op == bytecode.OpDecIBP {
		op = "--"
	}
	x, m, ok := on.Peek(in.Slots())
	if !ok {
		return fmt.Errorf("update of slot %d below the stack", in.Slots())
	}
	target := namedAt(x, m)
	if target == nil {
		return fmt.Errorf("update of a temporary at slot %d", in.Slots())
	}
	setAssigned(target)

	if local {
		if top, ok := e.vars.Top(); ok {
			if tv, ok := top.(*script.Variable); ok && tv.IsTemp() && !tv.Has(script.FlagConsumed) {
				if ref, ok := tv.Value.(*script.VarRef); ok && ref.V == target {
					tv.Value = &script.IncDec{Op: op, X: ref}
					return nil
				}
			}
		}
		if next := i + 1; next < e.sub.End {
			if n := e.idx.Ins(next); n.Op == bytecode.OpCPTopSP && n.SizeSlots() == 1 && n.Slots() == in.Slots() {
				e.mode = modePrefix
				e.prefix = target
				e.prefixOp = op
				return nil
			}
		}
	}
	e.stmt(i, &script.IncDec{Op: op, X: &script.VarRef{V: target}})
	return nil
}

func (e *engine) inArg() bool {
	for id := e.cur; id != script.NoNode; id = e.tree.Node(id).Parent {
		if e.tree.Node(id).Kind == script.KindArg {
			return true
		}
	}
	return false
}
