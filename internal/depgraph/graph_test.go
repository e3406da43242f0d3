package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrow/gridrow/internal/errors"
)

func planFields(plan []Affected) []int64 {
	out := make([]int64, len(plan))
	for i, a := range plan {
		out[i] = a.FieldID
	}
	return out
}

func TestPropagateLinearChain(t *testing.T) {
	g := New()
	// 1 -> 2 -> 3
	require.NoError(t, g.AddDependency(2, 1, 0))
	require.NoError(t, g.AddDependency(3, 2, 0))

	plan, cyclic := g.Propagate(1)
	assert.Empty(t, cyclic)
	assert.Equal(t, []int64{2, 3}, planFields(plan))

	plan, _ = g.Propagate(2)
	assert.Equal(t, []int64{3}, planFields(plan))

	plan, _ = g.Propagate(3)
	assert.Empty(t, plan)
}

func TestPropagateDiamondRecomputesOnce(t *testing.T) {
	g := New()
	// 1 -> 2 -> 4 and 1 -> 3 -> 4
	require.NoError(t, g.AddDependency(2, 1, 0))
	require.NoError(t, g.AddDependency(3, 1, 0))
	require.NoError(t, g.AddDependency(4, 2, 0))
	require.NoError(t, g.AddDependency(4, 3, 0))

	plan, cyclic := g.Propagate(1)
	assert.Empty(t, cyclic)

	fields := planFields(plan)
	require.Len(t, fields, 3, "diamond tail must appear exactly once")
	assert.ElementsMatch(t, []int64{2, 3}, fields[:2])
	assert.Equal(t, int64(4), fields[2], "tail recomputes after both branches")

	// The tail's plan step carries both incoming edges.
	assert.Len(t, plan[2].Incoming, 2)
}

func TestPropagateCycleDetected(t *testing.T) {
	g := New()
	// 1 -> 2 <-> 3
	require.NoError(t, g.AddDependency(2, 1, 0))
	require.NoError(t, g.AddDependency(3, 2, 0))
	require.NoError(t, g.AddDependency(2, 3, 0))

	plan, cyclic := g.Propagate(1)
	assert.Empty(t, plan)
	assert.ElementsMatch(t, []int64{2, 3}, cyclic)
}

func TestSelfDependencyRejected(t *testing.T) {
	g := New()
	err := g.AddDependency(7, 7, 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCircularReference, errors.GetCode(err))
}

func TestRemoveFieldTombstonesAndHeals(t *testing.T) {
	g := New()
	// Lookup field 10 depends on field 5 (table 2, "City") via link field 8.
	require.NoError(t, g.AddDependency(10, 5, 8))

	orphaned := g.RemoveField(5, 2, "City")
	assert.Equal(t, []int64{10}, orphaned)
	assert.Empty(t, g.DependenciesOf(10))

	broken := g.BrokenEdges(10)
	require.Len(t, broken, 1)
	assert.Equal(t, "City", broken[0].MissingName)
	assert.Equal(t, int64(8), broken[0].Via)

	// A same-named field in a different table does not heal the edge.
	assert.Empty(t, g.Heal(3, "City", 99))

	// Restoring the field in the right table does.
	healed := g.Heal(2, "City", 6)
	assert.Equal(t, []int64{10}, healed)
	assert.Empty(t, g.BrokenEdges(10))

	deps := g.DependenciesOf(10)
	require.Len(t, deps, 1)
	assert.Equal(t, int64(6), deps[0].Dependency)
	assert.Equal(t, int64(8), deps[0].Via)

	plan, _ := g.Propagate(6)
	assert.Equal(t, []int64{10}, planFields(plan))
}

func TestClearDependenciesOf(t *testing.T) {
	g := New()
	require.NoError(t, g.AddDependency(10, 5, 0))
	require.NoError(t, g.AddDependency(10, 6, 0))

	g.ClearDependenciesOf(10)
	assert.Empty(t, g.DependenciesOf(10))
	plan, _ := g.Propagate(5)
	assert.Empty(t, plan)
}

func TestDuplicateEdgeIgnored(t *testing.T) {
	g := New()
	require.NoError(t, g.AddDependency(2, 1, 0))
	require.NoError(t, g.AddDependency(2, 1, 0))

	plan, _ := g.Propagate(1)
	require.Len(t, plan, 1)
	assert.Len(t, plan[0].Incoming, 1)
}
