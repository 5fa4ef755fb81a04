// Package stack implements the abstract operand stack shared by type
// inference and statement reconstruction.
//
// The stack is addressed in slots, not entries. An entry may span several
// slots (a vector, a struct); when an operation needs a boundary that falls
// inside an entry the entry is split into its parts first. Slot offsets are
// 1-based and count down from the top, so offset 1 is the topmost slot.
package stack

import (
	"errors"
	"fmt"
)

// ErrIndivisible is returned when a boundary falls inside an entry that
// cannot be split.
var ErrIndivisible = errors.New("stack: boundary inside indivisible entry")

// Layout tells a Stack how to measure, split and join its entries.
type Layout[E any] struct {
	// Slots returns the width of an entry in slots.
	Slots func(E) int
	// Split breaks a multi-slot entry into parts, deepest first. A nil
	// result means the entry cannot be split.
	Split func(E) []E
	// Join combines adjacent entries, deepest first, into one composite.
	Join func([]E) (E, error)
}

// Stack is a slot-addressed stack of entries.
type Stack[E any] struct {
	entries []E // bottom to top
	layout  *Layout[E]
}

// New creates an empty stack.
func New[E any](layout *Layout[E]) *Stack[E] {
	return &Stack[E]{layout: layout}
}

// Push places e on top.
func (s *Stack[E]) Push(e E) {
	s.entries = append(s.entries, e)
}

// Len returns the number of entries.
func (s *Stack[E]) Len() int {
	return len(s.entries)
}

// Size returns the number of slots.
func (s *Stack[E]) Size() int {
	n := 0
	for _, e := range s.entries {
		n += s.layout.Slots(e)
	}
	return n
}

// Entries returns a copy of the entries, bottom first.
func (s *Stack[E]) Entries() []E {
	out := make([]E, len(s.entries))
	copy(out, s.entries)
	return out
}

// Top returns the topmost entry.
func (s *Stack[E]) Top() (E, bool) {
	var zero E
	if len(s.entries) == 0 {
		return zero, false
	}
	return s.entries[len(s.entries)-1], true
}

// Pop removes n slots from the top. Popped entries are returned deepest
// first. If the stack holds fewer than n slots everything is removed and
// the missing slot count is returned as shortfall; the caller decides
// whether that is an error.
func (s *Stack[E]) Pop(n int) (popped []E, shortfall int, err error) {
	if n <= 0 {
		return nil, 0, nil
	}
	size := s.Size()
	if n > size {
		shortfall = n - size
		n = size
	}
	idx, err := s.boundary(n)
	if err != nil {
		return nil, 0, err
	}
	popped = make([]E, len(s.entries)-idx)
	copy(popped, s.entries[idx:])
	s.entries = s.entries[:idx]
	return popped, shortfall, nil
}

// PopEntry removes and returns the topmost entry whatever its width.
func (s *Stack[E]) PopEntry() (E, bool) {
	e, ok := s.Top()
	if ok {
		s.entries = s.entries[:len(s.entries)-1]
	}
	return e, ok
}

// Peek returns the entry covering slot offset and the index of that slot
// within the entry, counted from the entry's deepest slot. Peek never
// splits.
func (s *Stack[E]) Peek(offset int) (e E, member int, ok bool) {
	if offset < 1 {
		return e, 0, false
	}
	acc := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		w := s.layout.Slots(s.entries[i])
		if offset <= acc+w {
			// slot acc+1 is the entry's top slot, index w-1
			return s.entries[i], w - (offset - acc), true
		}
		acc += w
	}
	return e, 0, false
}

// Range returns the entries covering exactly count slots whose topmost
// slot is at offset, splitting entries that straddle either edge.
func (s *Stack[E]) Range(offset, count int) ([]E, error) {
	lo, hi, err := s.span(offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]E, hi-lo)
	copy(out, s.entries[lo:hi])
	return out, nil
}

// Structify merges the count slots whose topmost slot is at offset into a
// single composite entry and returns it. A range already covered by one
// entry is returned as is, so structify of a single slot is a no-op.
func (s *Stack[E]) Structify(offset, count int) (E, error) {
	var zero E
	lo, hi, err := s.span(offset, count)
	if err != nil {
		return zero, err
	}
	if hi-lo == 1 {
		return s.entries[lo], nil
	}
	parts := make([]E, hi-lo)
	copy(parts, s.entries[lo:hi])
	joined, err := s.layout.Join(parts)
	if err != nil {
		return zero, err
	}
	rest := append([]E{joined}, s.entries[hi:]...)
	s.entries = append(s.entries[:lo], rest...)
	return joined, nil
}

// Replace swaps the entry covering slot offset for e. e should be as wide
// as the entry it replaces.
func (s *Stack[E]) Replace(offset int, e E) bool {
	acc := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		w := s.layout.Slots(s.entries[i])
		if offset <= acc+w {
			s.entries[i] = e
			return true
		}
		acc += w
	}
	return false
}

// Clone returns a copy of the stack. Entries themselves are shared.
func (s *Stack[E]) Clone() *Stack[E] {
	c := &Stack[E]{layout: s.layout, entries: make([]E, len(s.entries))}
	copy(c.entries, s.entries)
	return c
}

// span makes slot boundaries above offset and below offset+count-1 and
// returns the entry index range [lo, hi) between them.
func (s *Stack[E]) span(offset, count int) (lo, hi int, err error) {
	if offset < 1 || count < 1 || offset+count-1 > s.Size() {
		return 0, 0, fmt.Errorf("stack: range %d+%d outside %d slots", offset, count, s.Size())
	}
	hi, err = s.boundary(offset - 1)
	if err != nil {
		return 0, 0, err
	}
	lo, err = s.boundary(offset + count - 1)
	if err != nil {
		return 0, 0, err
	}
	// splitting at the lower edge can shift entries above it
	hi, err = s.boundary(offset - 1)
	return lo, hi, err
}

// boundary ensures a boundary lies exactly k slots below the top and
// returns the index of the first entry above it.
func (s *Stack[E]) boundary(k int) (int, error) {
	for {
		acc := 0
		i := len(s.entries)
		for acc < k && i > 0 {
			i--
			acc += s.layout.Slots(s.entries[i])
		}
		if acc == k {
			return i, nil
		}
		if acc < k {
			return 0, fmt.Errorf("stack: boundary %d below bottom", k)
		}
		parts := s.layout.Split(s.entries[i])
		if len(parts) < 2 {
			return 0, ErrIndivisible
		}
		rest := append(append([]E{}, parts...), s.entries[i+1:]...)
		s.entries = append(s.entries[:i], rest...)
	}
}
