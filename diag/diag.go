// Package diag carries non-fatal findings out of the analysis engines.
//
// Engines report Events to a Sink. The Collector sink logs each event
// through commonlog, counts it in Prometheus, and keeps it for the result.
package diag

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// Kind classifies a diagnostic.
type Kind uint8

const (
	// Clamp: malformed input was clamped and analysis continued.
	Clamp Kind = iota
	// Recovery: a statement handler failed and an Error node was emitted.
	Recovery
	// FixpointCap: inference stopped at the round cap.
	FixpointCap
	// Fatal: a subroutine could not be analyzed.
	Fatal
	// Unresolved: a jump could not be classified.
	Unresolved
)

func (k Kind) String() string {
	switch k {
	case Clamp:
		return "clamp"
	case Recovery:
		return "recovery"
	case FixpointCap:
		return "fixpoint-cap"
	case Fatal:
		return "fatal"
	case Unresolved:
		return "unresolved"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Event is one diagnostic.
type Event struct {
	Kind    Kind
	Sub     int // subroutine id, -1 for program-wide events
	Pos     int // byte position, -1 if not tied to an instruction
	Message string
}

func (e Event) String() string {
	switch {
	case e.Sub < 0:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Pos < 0:
		return fmt.Sprintf("%s: sub%d: %s", e.Kind, e.Sub, e.Message)
	}
	return fmt.Sprintf("%s: sub%d @%04X: %s", e.Kind, e.Sub, e.Pos, e.Message)
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Report(Event)
}

type discard struct{}

func (discard) Report(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Reportf builds and reports an event. A nil sink drops it.
func Reportf(s Sink, kind Kind, sub, pos int, format string, args ...any) {
	if s == nil {
		return
	}
	s.Report(Event{Kind: kind, Sub: sub, Pos: pos, Message: fmt.Sprintf(format, args...)})
}

var log = commonlog.GetLogger("ncsdecomp.diag")

// Collector logs, counts and stores events.
type Collector struct {
	run     string
	metrics *Metrics

	mu     sync.Mutex
	events []Event
}

// NewCollector creates a collector tagged with a run id. metrics may be nil.
func NewCollector(run string, metrics *Metrics) *Collector {
	return &Collector{run: run, metrics: metrics}
}

// Report implements Sink.
func (c *Collector) Report(e Event) {
	switch e.Kind {
	case FixpointCap:
		log.Noticef("[%s] %s", c.run, e)
	case Fatal:
		log.Errorf("[%s] %s", c.run, e)
	default:
		log.Warningf("[%s] %s", c.run, e)
	}
	if c.metrics != nil {
		c.metrics.Diagnostics.WithLabelValues(e.Kind.String()).Inc()
	}

	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many events of kind were collected.
func (c *Collector) Count(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type once struct {
	sink Sink
	mu   sync.Mutex
	seen map[Event]bool
}

// Once wraps s so that identical events are reported only the first time.
// Repeated analysis passes use it to avoid flooding the sink.
func Once(s Sink) Sink {
	if s == nil {
		s = Discard
	}
	return &once{sink: s, seen: make(map[Event]bool)}
}

func (o *once) Report(e Event) {
	o.mu.Lock()
	dup := o.seen[e]
	o.seen[e] = true
	o.mu.Unlock()
	if !dup {
		o.sink.Report(e)
	}
}
