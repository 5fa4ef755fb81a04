package structure

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/script"
	"github.com/chazu/ncsdecomp/signature"
)

// IsFatal reports whether err must abandon the whole subroutine rather
// than a single statement.
func IsFatal(err error) bool {
	switch errors.Cause(err) {
	case ErrNotPrototyped, signature.ErrDecisionOverflow, script.ErrNestedComposite:
		return true
	}
	return false
}

// checkpoint is the engine state before one instruction. Entries on the
// stacks are changed in place by some handlers, so their fields are
// saved by value.
type checkpoint struct {
	vars     *script.VarStack
	globals  *script.VarStack
	entries  []func()
	cur      script.NodeID
	mode     mode
	mark     int
	closures []*script.ClosureExpr
	loops    []loop
	switches []switchState
	args     int
	snapshot *script.VarStack
	prefix   script.Named
	prefixOp string
	frozen   *script.VarStack
	counter  int
}

func (e *engine) checkpoint() checkpoint {
	cp := checkpoint{
		vars:     e.vars.Clone(),
		entries:  saveEntries(e.vars, e.globals),
		cur:      e.cur,
		mode:     e.mode,
		mark:     e.tree.Mark(),
		closures: append([]*script.ClosureExpr(nil), e.closures...),
		args:     len(e.args),
		snapshot: e.snapshot,
		prefix:   e.prefix,
		prefixOp: e.prefixOp,
		frozen:   e.frozen,
		counter:  e.counter,
	}
	if e.globals != nil {
		cp.globals = e.globals.Clone()
	}
	for _, l := range e.loops {
		cp.loops = append(cp.loops, *l)
	}
	for _, sw := range e.switches {
		cp.switches = append(cp.switches, *sw)
	}
	e.fresh = e.fresh[:0]
	return cp
}

func (e *engine) restore(c checkpoint) {
	for _, undo := range c.entries {
		undo()
	}
	e.vars = c.vars
	if c.globals != nil {
		e.globals = c.globals
	}
	e.cur = c.cur
	e.mode = c.mode
	e.tree.Rollback(c.mark)
	e.closures = c.closures
	if len(e.loops) > len(c.loops) {
		e.loops = e.loops[:len(c.loops)]
	}
	for k, l := range e.loops {
		*l = c.loops[k]
	}
	if len(e.switches) > len(c.switches) {
		e.switches = e.switches[:len(c.switches)]
	}
	for k, sw := range e.switches {
		*sw = c.switches[k]
	}
	if len(e.args) > c.args {
		e.args = e.args[:c.args]
	}
	for _, dest := range e.fresh {
		delete(e.saved, dest)
	}
	e.fresh = e.fresh[:0]
	e.snapshot = c.snapshot
	e.prefix = c.prefix
	e.prefixOp = c.prefixOp
	e.frozen = c.frozen
	e.counter = c.counter
}

// saveEntries records the fields of every entry reachable from the
// stacks and returns the functions that put them back.
func saveEntries(stacks ...*script.VarStack) []func() {
	var undo []func()
	seen := make(map[script.Entry]bool)
	var visit func(x script.Entry)
	visit = func(x script.Entry) {
		if x == nil || seen[x] {
			return
		}
		seen[x] = true
		switch v := x.(type) {
		case *script.Variable:
			saved := *v
			undo = append(undo, func() { *v = saved })
			if v.Parent != nil {
				visit(v.Parent)
			}
		case *script.VarStruct:
			saved := *v
			saved.Members = append([]*script.Variable(nil), v.Members...)
			undo = append(undo, func() { *v = saved })
			for _, m := range saved.Members {
				visit(m)
			}
		case *script.Constant:
			saved := *v
			undo = append(undo, func() { *v = saved })
		}
	}
	for _, s := range stacks {
		if s == nil {
			continue
		}
		for _, x := range s.Entries() {
			visit(x)
		}
	}
	return undo
}

// recoverStep runs the handler for instruction i. A handler that fails
// or panics is rolled back and replaced by an Error node; fatal errors
// are returned.
func (e *engine) recoverStep(i int) (err error) {
	cp := e.checkpoint()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = e.step(i)
	}()
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		diag.Reportf(e.opts.Sink, diag.Fatal, e.sub.ID, e.pos(i), "%v", err)
		return err
	}

	e.restore(cp)
	in := e.idx.Ins(i)
	msg := fmt.Sprintf("%04X %s: %v", in.Pos, in, err)
	e.add(script.Node{Kind: script.KindError, Message: msg, Start: in.Pos, End: e.pos(i + 1)})
	diag.Reportf(e.opts.Sink, diag.Recovery, e.sub.ID, in.Pos, "%v", err)
	log.Warningf("sub%d: %s", e.sub.ID, msg)
	return nil
}
