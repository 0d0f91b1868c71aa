package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theuselessai/pipelit/flow"
)

func node(id int64, nodeID string, ct flow.ComponentType, entry bool) *flow.Node {
	return &flow.Node{ID: id, WorkflowID: 1, NodeID: nodeID, ComponentType: ct, IsEntryPoint: entry}
}

func edge(id int64, src, dst string, label flow.EdgeLabel) *flow.Edge {
	return &flow.Edge{ID: id, WorkflowID: 1, SourceNodeID: src, TargetNodeID: dst, EdgeType: flow.EdgeDirect, EdgeLabel: label}
}

// trigger -> a -> b -> c, with a lateral llm edge and a sub-component that
// must be excluded from the executable set.
func linearWorkflow() *flow.Workflow {
	return &flow.Workflow{
		ID: 1,
		Nodes: []*flow.Node{
			node(1, "trig", flow.TypeTriggerManual, false),
			node(2, "a", flow.TypeAgent, false),
			node(3, "b", flow.TypeFilter, false),
			node(4, "c", flow.TypeAgent, false),
			node(5, "model", flow.TypeAIModel, false),
		},
		Edges: []*flow.Edge{
			edge(1, "trig", "a", flow.LabelControl),
			edge(2, "a", "b", flow.LabelControl),
			edge(3, "b", "c", flow.LabelControl),
			edge(4, "a", "model", flow.LabelLLM),
		},
	}
}

func TestBuildLinear(t *testing.T) {
	topo, err := Build(linearWorkflow(), "trig")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys(topo.Nodes))
	assert.Equal(t, []string{"a"}, topo.EntryNodeIDs)

	// Triggers and sub-components never appear.
	assert.NotContains(t, topo.Nodes, "trig")
	assert.NotContains(t, topo.Nodes, "model")

	// Lateral edges are not control flow.
	assert.Len(t, topo.Edges, 2)
	assert.Equal(t, 0, topo.IncomingCount["a"])
	assert.Equal(t, 1, topo.IncomingCount["b"])
	assert.Equal(t, 1, topo.IncomingCount["c"])
}

func TestBuildConservation(t *testing.T) {
	// Fan-out then fan-in: a -> {b,c} -> d.
	w := &flow.Workflow{
		ID: 1,
		Nodes: []*flow.Node{
			node(1, "a", flow.TypeAgent, true),
			node(2, "b", flow.TypeAgent, false),
			node(3, "c", flow.TypeAgent, false),
			node(4, "d", flow.TypeMerge, false),
		},
		Edges: []*flow.Edge{
			edge(1, "a", "b", flow.LabelControl),
			edge(2, "a", "c", flow.LabelControl),
			edge(3, "b", "d", flow.LabelControl),
			edge(4, "c", "d", flow.LabelControl),
		},
	}
	topo, err := Build(w, "")
	require.NoError(t, err)

	total := 0
	for _, c := range topo.IncomingCount {
		total += c
	}
	counted := 0
	for _, e := range topo.Edges {
		if e.EdgeLabel != flow.LabelLoopReturn {
			counted++
		}
	}
	assert.Equal(t, counted, total, "incoming counts must conserve edges")

	for _, entry := range topo.EntryNodeIDs {
		assert.Zero(t, topo.IncomingCount[entry], "entry %s must have no counted in-edges", entry)
	}
	assert.Equal(t, 2, topo.IncomingCount["d"])
}

func TestEntrySelection(t *testing.T) {
	t.Run("explicit entry points win", func(t *testing.T) {
		w := linearWorkflow()
		w.Node("b").IsEntryPoint = true
		topo, err := Build(w, "trig")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, topo.EntryNodeIDs)
	})

	t.Run("trigger edge targets next", func(t *testing.T) {
		topo, err := Build(linearWorkflow(), "trig")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, topo.EntryNodeIDs)
	})

	t.Run("lowest id as last resort", func(t *testing.T) {
		w := &flow.Workflow{
			ID: 1,
			Nodes: []*flow.Node{
				node(9, "z", flow.TypeAgent, false),
				node(4, "m", flow.TypeAgent, false),
			},
		}
		topo, err := Build(w, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"m"}, topo.EntryNodeIDs)
	})
}

func TestBuildRestrictsToTriggerSubgraph(t *testing.T) {
	// Two disjoint trigger subgraphs in one workflow.
	w := &flow.Workflow{
		ID: 1,
		Nodes: []*flow.Node{
			node(1, "t1", flow.TypeTriggerTelegram, false),
			node(2, "a", flow.TypeAgent, false),
			node(3, "t2", flow.TypeTriggerCron, false),
			node(4, "b", flow.TypeAgent, false),
		},
		Edges: []*flow.Edge{
			edge(1, "t1", "a", flow.LabelControl),
			edge(2, "t2", "b", flow.LabelControl),
		},
	}

	topo, err := Build(w, "t1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, keys(topo.Nodes))

	topo, err = Build(w, "t2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, keys(topo.Nodes))
}

func TestBuildEmptyExecutableSet(t *testing.T) {
	w := &flow.Workflow{
		ID:    1,
		Nodes: []*flow.Node{node(1, "trig", flow.TypeTriggerManual, false)},
	}
	_, err := Build(w, "trig")
	require.Error(t, err)
	assert.Equal(t, flow.CodeValidation, flow.ErrorCode(err))
}

func TestLoopShape(t *testing.T) {
	// loop --loop_body--> x -> y --loop_return--> loop -> after
	w := &flow.Workflow{
		ID: 1,
		Nodes: []*flow.Node{
			node(1, "loop", flow.TypeLoop, true),
			node(2, "x", flow.TypeAgent, false),
			node(3, "y", flow.TypeAgent, false),
			node(4, "after", flow.TypeAgent, false),
		},
		Edges: []*flow.Edge{
			edge(1, "loop", "x", flow.LabelLoopBody),
			edge(2, "x", "y", flow.LabelControl),
			edge(3, "y", "loop", flow.LabelLoopReturn),
			edge(4, "loop", "after", flow.LabelControl),
		},
	}
	topo, err := Build(w, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, topo.LoopBodies["loop"])
	assert.Equal(t, []string{"y"}, topo.LoopReturnNodes["loop"])
	assert.Equal(t, []string{"x", "y"}, topo.LoopBodyAllNodes["loop"])
	assert.Equal(t, "loop", topo.LoopFor("y"))
	assert.Equal(t, "", topo.LoopFor("x"))

	// loop_return does not count as an in-edge of the loop node.
	assert.Zero(t, topo.IncomingCount["loop"])
	// Body entry is fed by the loop_body edge.
	assert.Equal(t, 1, topo.IncomingCount["x"])
}

func TestHashTracksContent(t *testing.T) {
	w := linearWorkflow()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w.UpdatedAt = base
	for _, n := range w.Nodes {
		n.UpdatedAt = base
	}

	h1 := Hash(w)
	require.Len(t, h1, 12)
	assert.Equal(t, h1, Hash(w), "hash must be deterministic")

	w.Node("b").UpdatedAt = base.Add(time.Minute)
	assert.NotEqual(t, h1, Hash(w), "touching any node must change the hash")
}

func TestCache(t *testing.T) {
	w := linearWorkflow()
	builds := 0
	build := func() (*Topology, error) {
		builds++
		return Build(w, "trig")
	}

	c := NewCache(time.Hour)

	t1, err := c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	t2, err := c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	assert.Same(t, t1, t2, "identical key must return the shared instance")
	assert.Equal(t, 1, builds)

	// New hash is a new entry.
	_, err = c.GetOrBuild(1, "bbb", "trig", build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)

	// Invalidation is per workflow id.
	_, err = c.GetOrBuild(2, "aaa", "trig", build)
	require.NoError(t, err)
	c.Invalidate(1)
	assert.Equal(t, 1, c.Len())

	_, err = c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	assert.Equal(t, 4, builds)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	w := linearWorkflow()
	builds := 0
	build := func() (*Topology, error) {
		builds++
		return Build(w, "trig")
	}

	_, err := c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	_, err = c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	assert.Equal(t, 1, builds)

	now = now.Add(2 * time.Minute)
	_, err = c.GetOrBuild(1, "aaa", "trig", build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "expired entries rebuild")
}

func keys(m map[string]*NodeInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
