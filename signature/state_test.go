package signature

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/ncsdecomp/analysis"
	"github.com/chazu/ncsdecomp/pkg/bytecode"
	"github.com/chazu/ncsdecomp/pkg/types"
)

func TestStatusTransitions(t *testing.T) {
	s := NewState(3, analysis.KindSub, 40)
	assert.Equal(t, Unstarted, s.Status)
	assert.Equal(t, -1, s.ParamSlots())
	assert.False(t, s.IsTotallyPrototyped())

	assert.True(t, s.Start())
	assert.False(t, s.Start(), "second start is not a change")
	assert.Equal(t, InProgress, s.Status)

	s.SetParamSlots(2)
	assert.True(t, s.Finish())
	assert.False(t, s.Finish())
	assert.True(t, s.IsTotallyPrototyped())
}

func TestParamsAndPrototype(t *testing.T) {
	s := NewState(3, analysis.KindSub, 40)
	s.SetParamSlots(2)
	assert.True(t, s.UpdateParam(0, types.Int))
	assert.False(t, s.UpdateParam(0, types.Int), "same type is not a change")
	assert.False(t, s.UpdateParam(0, types.String), "conflict keeps first type")
	assert.True(t, s.UpdateParam(1, types.Float))
	assert.True(t, s.UpdateReturn(types.Int))

	assert.Equal(t, "int sub3(int, float)", s.Prototype(""))
	assert.Equal(t, "int helper(int, float)", s.Prototype("helper"))
}

func TestUnknownParamRendering(t *testing.T) {
	s := NewState(1, analysis.KindSub, 0)
	s.SetParamSlots(1)
	assert.Equal(t, "void sub1(unknown)", s.Prototype(""))
}

func TestGroupedParams(t *testing.T) {
	s := NewState(2, analysis.KindSub, 0)
	s.SetParamSlots(4)
	s.UpdateParam(0, types.Int)
	for d := 1; d < 4; d++ {
		s.UpdateParam(d, types.Float)
	}
	assert.True(t, s.GroupParams(1, 3))
	assert.False(t, s.GroupParams(1, 3))

	params := s.Parameters()
	require.Len(t, params, 2)
	assert.True(t, params[0].Equal(types.Int))
	assert.True(t, params[1].Equal(types.Vector))
	assert.Equal(t, "void sub2(int, vector)", s.Prototype(""))
}

func TestMainNames(t *testing.T) {
	m := NewState(1, analysis.KindMain, 0)
	assert.Equal(t, "void main()", m.Prototype(""))
	m.UpdateReturn(types.Int)
	assert.Equal(t, "int StartingConditional()", m.Prototype(""))
}

func TestDecisionQueue(t *testing.T) {
	s := NewState(0, analysis.KindSub, 0)
	require.NoError(t, s.Enqueue(Decision{Pos: 10, Dest: 30}))
	require.NoError(t, s.Enqueue(Decision{Pos: 20, Dest: 40, Taken: true}))
	assert.Equal(t, 2, s.Pending())

	d, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 10, d.Pos, "queue is FIFO")

	s.Finish()
	assert.Equal(t, 0, s.Pending(), "finishing clears the queue")
}

func TestDecisionOverflow(t *testing.T) {
	s := NewState(0, analysis.KindSub, 0)
	for i := 0; i < MaxDecisions; i++ {
		require.NoError(t, s.Enqueue(Decision{Pos: i}))
	}
	err := s.Enqueue(Decision{Pos: MaxDecisions})
	require.Error(t, err)
	assert.Equal(t, ErrDecisionOverflow, errors.Cause(err))
}

func TestTable(t *testing.T) {
	b := bytecode.NewBuilder("table")
	b.Jump(bytecode.OpJSR, "main")
	b.Retn()
	b.Label("main")
	b.Retn()
	idx, err := analysis.Build(b.MustBuild())
	require.NoError(t, err)

	tab := NewTable(idx)
	require.Len(t, tab.All(), 2)
	assert.True(t, tab.Get(0).IsDone(), "entry stub needs no inference")
	assert.Equal(t, analysis.KindMain, tab.Get(1).Kind)
	assert.False(t, tab.AllDone())
	assert.Nil(t, tab.Get(7))
}
