// Package decompiler runs the whole pipeline over one program: position
// index, signature inference, then structuring of every subroutine.
//
// A subroutine that fails fatally gets a tree holding a single Error node
// and keeps its error; the other subroutines are unaffected.
package decompiler

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/ncsdecomp/actions"
	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/config"
	"github.com/chazu/ncsdecomp/diag"
	"github.com/chazu/ncsdecomp/infer"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/script"
	"github.com/chazu/ncsdecomp/signature"
	"github.com/chazu/ncsdecomp/store"
	"github.com/chazu/ncsdecomp/structure"
)

var log = commonlog.GetLogger("ncsdecomp.decompiler")

// Outcomes counted in the subroutines metric.
const (
	OutcomeOK        = "ok"
	OutcomeRecovered = "recovered"
	OutcomeFatal     = "fatal"
)

// Options configure a run.
type Options struct {
	Infer     infer.Options
	Structure structure.Options
	Metrics   *diag.Metrics // nil disables metrics
}

// FromConfig maps a configuration file onto run options.
func FromConfig(c *config.Config) Options {
	return Options{
		Infer: infer.Options{
			MaxRounds: c.Analysis.MaxRounds,
			MaxParams: c.Analysis.MaxParams,
			Debug:     c.Output.Debug,
		},
		Structure: structure.Options{
			SwitchDetection:  c.Analysis.SwitchDetection,
			FoldInitializers: c.Analysis.FoldInitializers,
			DeadCode:         c.Output.DeadCode,
			Debug:            c.Output.Debug,
		},
	}
}

// Subroutine is the result for one subroutine.
type Subroutine struct {
	ID        int
	Kind      analysis.Kind
	Signature *signature.State
	Tree      *script.Tree
	Err       error // fatal error; Tree then holds a single Error node
}

// Outcome classifies the result for metrics and reports.
func (s *Subroutine) Outcome() string {
	switch {
	case s.Err != nil:
		return OutcomeFatal
	case s.Tree.Count(script.KindError) > 0:
		return OutcomeRecovered
	}
	return OutcomeOK
}

// Record converts the result into its stored form.
func (s *Subroutine) Record() store.Record {
	r := store.Record{
		Sub:       s.ID,
		Prototype: s.Signature.Prototype(""),
		Status:    s.Signature.Status.String(),
		Residue:   s.Tree.Residue,
		Dump:      s.Tree.Dump(),
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	return r
}

// Result is the outcome of decompiling one program.
type Result struct {
	Run   uuid.UUID
	Name  string
	Index *analysis.Index
	Sigs  *signature.Table

	Rounds int
	Capped bool

	// Subs holds every subroutine except the loader stub, in program
	// order. The globals subroutine, when present, is included.
	Subs        []*Subroutine
	Diagnostics []diag.Event
}

// Sub returns the result for subroutine id, or nil.
func (r *Result) Sub(id int) *Subroutine {
	for _, s := range r.Subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Failed returns the subroutines that failed fatally.
func (r *Result) Failed() []*Subroutine {
	var out []*Subroutine
	for _, s := range r.Subs {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Records returns the stored form of every subroutine.
func (r *Result) Records() []store.Record {
	out := make([]store.Record, len(r.Subs))
	for i, s := range r.Subs {
		out[i] = s.Record()
	}
	return out
}

// Decompile runs the pipeline over prog. The only error returned is a
// program that cannot be indexed at all; everything else is reported per
// subroutine and through the diagnostics.
func Decompile(prog *bytecode.Program, catalog *actions.Catalog, opts Options) (*Result, error) {
	if catalog == nil {
		catalog = actions.Default()
	}
	run := uuid.New()
	sink := diag.NewCollector(run.String(), opts.Metrics)

	idx, err := analysis.Build(prog)
	if err != nil {
		return nil, errors.Wrapf(err, "decompile %s", prog.Name)
	}
	for _, p := range idx.Problems {
		diag.Reportf(sink, diag.Clamp, -1, -1, "%s", p)
	}

	table := signature.NewTable(idx)
	iopts := opts.Infer
	iopts.Sink = sink
	rep := infer.InferAll(idx, table, catalog, iopts)
	if opts.Metrics != nil {
		opts.Metrics.Rounds.Observe(float64(rep.Rounds))
	}
	log.Infof("[%s] %s: %d subroutines, inference took %d rounds", run, prog.Name, len(idx.Subs), rep.Rounds)

	res := &Result{
		Run:    run,
		Name:   prog.Name,
		Index:  idx,
		Sigs:   table,
		Rounds: rep.Rounds,
		Capped: rep.Capped,
	}

	sopts := opts.Structure
	sopts.Sink = diag.Once(sink)
	in := &structure.Input{Index: idx, Sigs: table, Actions: catalog}

	if idx.Globals != nil {
		tree, frozen, err := structure.StructureGlobals(in, sopts)
		res.add(idx.Globals, table, tree, err, sink, opts.Metrics)
		if err == nil {
			in.Globals = frozen
		}
	}
	for _, sub := range idx.Subs {
		if sub.Kind == analysis.KindEntry || sub.Kind == analysis.KindGlobals {
			continue
		}
		tree, err := structure.Structure(in, sub, sopts)
		res.add(sub, table, tree, err, sink, opts.Metrics)
	}

	res.Diagnostics = sink.Events()
	return res, nil
}

func (r *Result) add(sub *analysis.Subroutine, table *signature.Table, tree *script.Tree, err error, sink diag.Sink, m *diag.Metrics) {
	sig := table.Get(sub.ID)
	if sig.Err != nil {
		err = sig.Err
	}
	if err != nil {
		tree = failedTree(r.Index, sub, sig, err)
		diag.Reportf(sink, diag.Fatal, sub.ID, -1, "abandoned: %v", err)
	}
	s := &Subroutine{ID: sub.ID, Kind: sub.Kind, Signature: sig, Tree: tree, Err: err}
	r.Subs = append(r.Subs, s)
	if m != nil {
		m.Subroutines.WithLabelValues(s.Outcome()).Inc()
	}
}

func failedTree(idx *analysis.Index, sub *analysis.Subroutine, sig *signature.State, err error) *script.Tree {
	t := script.NewTree(sig.Prototype(""), idx.Pos(sub.Start), idx.Pos(sub.End))
	t.Add(t.Root, script.Node{
		Kind:    script.KindError,
		Message: fmt.Sprintf("%s: %v", sig.Name(), err),
		Start:   idx.Pos(sub.Start),
		End:     idx.Pos(sub.End),
	})
	return t
}
