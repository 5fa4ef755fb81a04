// Package infer runs signature inference over a whole program.
//
// Each subroutine is swept once per round in instruction order over an
// abstract type stack. Stack states are saved at forward jump targets and
// restored after unconditional transfers. Reads beyond the bottom of the
// stack address the caller's frame: parameters first, then the reserved
// return slots. A call to a subroutine whose arity is not yet known
// poisons the current path until the next saved state; the skipped jumps
// are queued as decisions and the subroutine is revisited next round.
//
// Rounds repeat until nothing changes or the round cap is reached.
package infer

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/pkg/stack"
	"github.com/chazu/ncsdecomp/pkg/types"
	"github.com/chazu/ncsdecomp/signature"
)

var log = commonlog.GetLogger("ncsdecomp.infer")

const (
	DefaultMaxRounds = 1000
	DefaultMaxParams = 64
)

// Options tune inference.
type Options struct {
	MaxRounds int       // round cap; 0 means DefaultMaxRounds
	MaxParams int       // parameter slot cap; 0 means DefaultMaxParams
	Debug     bool      // trace every instruction at debug level
	Sink      diag.Sink // diagnostics, each reported once; nil drops them
}

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.MaxParams <= 0 {
		o.MaxParams = DefaultMaxParams
	}
	o.Sink = diag.Once(o.Sink)
	return o
}

// Report summarizes a run.
type Report struct {
	Rounds     int
	Capped     bool  // stopped at MaxRounds while still changing
	Incomplete []int // subroutines that never reached Done
}

type engine struct {
	idx     *analysis.Index
	table   *signature.Table
	catalog *actions.Catalog
	opts    Options

	globals *stack.TypeStack // frozen at SAVEBP
	active  map[int]bool     // subroutines on the current prototype chain
}

// InferAll infers every subroutine signature in table. Subroutines that
// fail fatally carry the error in their State.
func InferAll(idx *analysis.Index, table *signature.Table, catalog *actions.Catalog, opts Options) Report {
	e := &engine{
		idx:     idx,
		table:   table,
		catalog: catalog,
		opts:    opts.withDefaults(),
		active:  make(map[int]bool),
	}

	var order []*analysis.Subroutine
	if idx.Globals != nil {
		order = append(order, idx.Globals)
	}
	if idx.Main != nil {
		order = append(order, idx.Main)
		if idx.MainReturnsInt {
			table.Get(idx.Main.ID).UpdateReturn(types.Int)
		}
	}
	for _, s := range idx.Subs {
		if s.Kind == analysis.KindSub {
			order = append(order, s)
		}
	}

	var rep Report
	for {
		if rep.Rounds >= e.opts.MaxRounds {
			rep.Capped = true
			diag.Reportf(e.opts.Sink, diag.FixpointCap, -1, -1, "inference stopped after %d rounds", rep.Rounds)
			break
		}
		rep.Rounds++
		changed := false
		for _, sub := range order {
			if table.Get(sub.ID).Err != nil {
				continue
			}
			if e.prototype(sub) {
				changed = true
			}
		}
		log.Debugf("round %d: changed=%t", rep.Rounds, changed)
		if !changed {
			break
		}
	}

	for _, st := range table.All() {
		if !st.IsDone() {
			rep.Incomplete = append(rep.Incomplete, st.ID)
		}
	}
	return rep
}

// prototype runs one pass over sub. It reports whether any signature
// changed as a result.
func (e *engine) prototype(sub *analysis.Subroutine) bool {
	st := e.table.Get(sub.ID)
	changed := st.Start()

	e.active[sub.ID] = true
	p := newPass(e, sub, st)
	c, err := p.run()
	delete(e.active, sub.ID)

	if err != nil {
		st.Fail(err)
		diag.Reportf(e.opts.Sink, diag.Fatal, sub.ID, -1, "inference: %v", err)
		return true
	}
	if e.opts.Debug {
		log.Debugf("sub%d: %s", sub.ID, st)
	}
	return changed || c
}
