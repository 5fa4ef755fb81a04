package signature

import "github.com/chazu/ncsdecomp/analysis"

// Table holds one State per subroutine of a program.
type Table struct {
	states []*State
}

// NewTable creates unstarted states for every subroutine in idx. The
// loader stub is never analyzed and starts out Done with no parameters.
func NewTable(idx *analysis.Index) *Table {
	t := &Table{states: make([]*State, len(idx.Subs))}
	for _, sub := range idx.Subs {
		st := NewState(sub.ID, sub.Kind, idx.Pos(sub.Start))
		if sub.Kind == analysis.KindEntry {
			st.SetParamSlots(0)
			st.Status = Done
		}
		t.states[sub.ID] = st
	}
	return t
}

// Get returns the state of subroutine id.
func (t *Table) Get(id int) *State {
	if id < 0 || id >= len(t.states) {
		return nil
	}
	return t.states[id]
}

// All returns every state in subroutine order.
func (t *Table) All() []*State {
	out := make([]*State, len(t.states))
	copy(out, t.states)
	return out
}

// AllDone reports whether every subroutine without a fatal error is Done.
func (t *Table) AllDone() bool {
	for _, s := range t.states {
		if s.Err == nil && !s.IsDone() {
			return false
		}
	}
	return true
}
