// Package signature holds what is known about each subroutine's parameter
// and return types while inference runs, and renders prototypes once it
// is done.
package signature

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/pkg/types"
)

// MaxDecisions bounds the pending-decision queue of one subroutine.
const MaxDecisions = 3000

// ErrDecisionOverflow is returned when a subroutine's decision queue
// exceeds MaxDecisions. It is fatal to that subroutine.
var ErrDecisionOverflow = errors.New("signature: decision queue overflow")

// Status is the inference progress of a subroutine.
type Status uint8

const (
	Unstarted Status = iota
	InProgress
	Done
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	}
	return "unstarted"
}

// Decision records a jump whose outcome was not explored on the last
// pass: Taken is false when the path was poisoned by a call of unknown
// arity.
type Decision struct {
	Pos   int // position of the jump
	Dest  int // position it targets
	Taken bool
}

// State is the evolving signature of one subroutine.
//
// Parameters are tracked per slot. Slot 0 is the slot nearest the callee's
// frame, which holds the first argument.
type State struct {
	ID     int
	Kind   analysis.Kind
	Offset int // byte position of the first instruction

	Status Status
	Err    error // fatal inference error, if any

	paramSlots int // -1 until known
	params     []types.Type
	groups     map[int]int // first slot -> width of a composite parameter
	ret        types.Type
	retKnown   bool

	decisions []Decision
}

// NewState returns an unstarted state with unknown arity.
func NewState(id int, kind analysis.Kind, offset int) *State {
	return &State{
		ID:         id,
		Kind:       kind,
		Offset:     offset,
		paramSlots: -1,
		groups:     make(map[int]int),
		ret:        types.Void,
	}
}

// Start marks the state InProgress. It reports whether the status changed.
func (s *State) Start() bool {
	if s.Status != Unstarted {
		return false
	}
	s.Status = InProgress
	return true
}

// Finish marks the state Done and discards pending decisions.
func (s *State) Finish() bool {
	if s.Status == Done {
		return false
	}
	s.Status = Done
	s.decisions = nil
	return true
}

// Fail records a fatal error.
func (s *State) Fail(err error) {
	s.Err = err
	s.decisions = nil
}

// IsDone reports whether inference finished for this subroutine.
func (s *State) IsDone() bool {
	return s.Status == Done
}

// ParamSlots returns the number of parameter slots, or -1 if unknown.
func (s *State) ParamSlots() int {
	return s.paramSlots
}

// SetParamSlots fixes the arity in slots. It reports whether anything
// changed.
func (s *State) SetParamSlots(n int) bool {
	if s.paramSlots == n {
		return false
	}
	s.paramSlots = n
	if len(s.params) > n {
		s.params = s.params[:n]
	}
	for len(s.params) < n {
		s.params = append(s.params, types.Unknown)
	}
	return true
}

// ParamType returns the type of parameter slot d.
func (s *State) ParamType(d int) types.Type {
	if d < 0 || d >= len(s.params) {
		return types.Unknown
	}
	return s.params[d]
}

// UpdateParam unifies slot d with t. It reports whether the slot changed.
// Conflicting observations keep the first type.
func (s *State) UpdateParam(d int, t types.Type) bool {
	if d < 0 || d >= len(s.params) || !t.IsKnown() {
		return false
	}
	u, ok := s.params[d].Unify(t)
	if !ok || u.Equal(s.params[d]) {
		return false
	}
	s.params[d] = u
	return true
}

// GroupParams records that slots [d, d+width) hold one composite parameter.
func (s *State) GroupParams(d, width int) bool {
	if width < 2 || s.groups[d] == width {
		return false
	}
	for k, w := range s.groups {
		if k < d+width && d < k+w {
			// overlapping group; the wider observation wins
			if w >= width {
				return false
			}
			delete(s.groups, k)
		}
	}
	s.groups[d] = width
	return true
}

// Return returns the return type.
func (s *State) Return() types.Type {
	return s.ret
}

// ReturnSlots returns the width of the return value.
func (s *State) ReturnSlots() int {
	return s.ret.Slots()
}

// UpdateReturn unifies the return type with t. It reports whether the
// return type changed.
func (s *State) UpdateReturn(t types.Type) bool {
	if !s.retKnown || s.ret.Kind == types.KindVoid {
		changed := !s.ret.Equal(t)
		s.ret = t
		s.retKnown = true
		return changed
	}
	u, ok := s.ret.Unify(t)
	if !ok || u.Equal(s.ret) {
		return false
	}
	s.ret = u
	return true
}

// Parameters returns the parameter types in declaration order, with
// grouped slots merged into composites.
func (s *State) Parameters() []types.Type {
	var out []types.Type
	for d := 0; d < len(s.params); {
		if w, ok := s.groups[d]; ok && d+w <= len(s.params) {
			ms := make([]types.Type, w)
			// deepest slot first
			for k := 0; k < w; k++ {
				ms[k] = s.params[d+w-1-k]
			}
			out = append(out, types.Composite(ms))
			d += w
			continue
		}
		out = append(out, s.params[d])
		d++
	}
	return out
}

// IsTotallyPrototyped reports whether the state is Done with a known
// arity, so call sites can be structured against it. Parameters that no
// instruction ever typed stay unknown and still count: their slot width
// is all a caller needs.
func (s *State) IsTotallyPrototyped() bool {
	return s.Status == Done && s.paramSlots >= 0 && s.Err == nil
}

// Enqueue adds a decision. It fails with ErrDecisionOverflow past
// MaxDecisions.
func (s *State) Enqueue(d Decision) error {
	if len(s.decisions) >= MaxDecisions {
		return errors.Wrapf(ErrDecisionOverflow, "sub %d at %04X", s.ID, d.Pos)
	}
	s.decisions = append(s.decisions, d)
	return nil
}

// Dequeue removes the oldest decision.
func (s *State) Dequeue() (Decision, bool) {
	if len(s.decisions) == 0 {
		return Decision{}, false
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, true
}

// Pending returns the number of queued decisions.
func (s *State) Pending() int {
	return len(s.decisions)
}

// Name returns the script name of the subroutine.
func (s *State) Name() string {
	switch s.Kind {
	case analysis.KindMain:
		if s.ret.Kind == types.KindInt {
			return "StartingConditional"
		}
		return "main"
	case analysis.KindGlobals:
		return "globals"
	case analysis.KindEntry:
		return "entry"
	}
	return fmt.Sprintf("sub%d", s.ID)
}

// Prototype renders e.g. "int sub3(int, float)".
func (s *State) Prototype(name string) string {
	if name == "" {
		name = s.Name()
	}
	params := s.Parameters()
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s %s(%s)", s.ret.String(), name, strings.Join(parts, ", "))
}

// String summarizes the state for logs.
func (s *State) String() string {
	return fmt.Sprintf("%s [%s, %d param slots, %d pending]", s.Prototype(""), s.Status, s.paramSlots, len(s.decisions))
}
