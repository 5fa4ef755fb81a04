package diag

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewCollector("run-1", m)

	Reportf(c, Clamp, 2, 0x20, "stack underflow by %d", 1)
	Reportf(c, Clamp, 2, 0x30, "missing action %d", 900)
	Reportf(c, FixpointCap, -1, -1, "stopped after %d rounds", 1000)

	events := c.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "clamp: sub2 @0020: stack underflow by 1", events[0].String())
	assert.Equal(t, "fixpoint-cap: stopped after 1000 rounds", events[2].String())

	assert.Equal(t, 2, c.Count(Clamp))
	assert.Equal(t, 0, c.Count(Recovery))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Diagnostics.WithLabelValues("clamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnostics.WithLabelValues("fixpoint-cap")))
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector("run-2", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(sub int) {
			defer wg.Done()
			Reportf(c, Recovery, sub, -1, "handler failed")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, c.Count(Recovery))
}

func TestNilSink(t *testing.T) {
	// must not panic
	Reportf(nil, Clamp, 0, 0, "ignored")
	Discard.Report(Event{Kind: Fatal})
}

func TestEventString(t *testing.T) {
	e := Event{Kind: Fatal, Sub: 4, Pos: -1, Message: "not prototyped"}
	assert.Equal(t, "fatal: sub4: not prototyped", e.String())
}

func TestOnce(t *testing.T) {
	c := NewCollector("run-3", nil)
	s := Once(c)
	for i := 0; i < 3; i++ {
		Reportf(s, Clamp, 1, 0x10, "underflow")
	}
	Reportf(s, Clamp, 1, 0x14, "underflow")
	assert.Equal(t, 2, c.Count(Clamp))
}
