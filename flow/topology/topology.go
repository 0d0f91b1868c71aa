// Package topology compiles a persisted workflow graph into the executable
// DAG for a given trigger, and caches compiled topologies keyed on the
// workflow's content hash.
package topology

import (
	"sort"

	"github.com/theuselessai/pipelit/flow"
)

// NodeInfo is one executable vertex of a compiled topology.
type NodeInfo struct {
	*flow.Node
}

// Topology is the compiled, reachable execution DAG for one
// (workflow, trigger) pair. It is immutable after Build; consumers share a
// single instance through the cache.
type Topology struct {
	Workflow *flow.Workflow

	// Nodes maps node id to executable node info. Trigger and
	// sub-component nodes are excluded.
	Nodes map[string]*NodeInfo

	// Edges are the control-flow edges between executable nodes
	// (labels "", loop_body, loop_return).
	Edges []*flow.Edge

	// EdgesBySource groups Edges by source node id, priority-ordered.
	EdgesBySource map[string][]*flow.Edge

	// IncomingCount counts control-flow in-edges per node, excluding
	// loop_return edges. A node is runnable once every counted
	// predecessor has a terminal log.
	IncomingCount map[string]int

	// EntryNodeIDs is the non-empty set of nodes started when the
	// execution begins. Multiple entries enable trigger-driven fan-out.
	EntryNodeIDs []string

	// LoopBodies maps a loop node id to the first targets of its
	// loop_body edges.
	LoopBodies map[string][]string

	// LoopReturnNodes maps a loop node id to the sources of its
	// loop_return edges.
	LoopReturnNodes map[string][]string

	// LoopBodyAllNodes maps a loop node id to the BFS closure of its body
	// nodes, bounded at the loop node itself.
	LoopBodyAllNodes map[string][]string
}

// Build compiles the executable topology of w scoped to triggerNodeID.
// An empty triggerNodeID compiles the whole workflow.
//
// Fails with VALIDATION_ERROR when the executable set is empty.
func Build(w *flow.Workflow, triggerNodeID string) (*Topology, error) {
	// Control-flow labels only; lateral edges (llm/tool/output_parser)
	// are consumed by components straight off the workflow.
	ctrl := make([]*flow.Edge, 0, len(w.Edges))
	for _, e := range w.Edges {
		switch e.EdgeLabel {
		case flow.LabelControl, flow.LabelLoopBody, flow.LabelLoopReturn:
			ctrl = append(ctrl, e)
		}
	}

	nodes := w.Nodes
	if triggerNodeID != "" {
		reach := reachableFrom(w, ctrl, triggerNodeID)
		nodes = filterNodes(w.Nodes, reach)
		ctrl = filterEdges(ctrl, reach)
	}

	// Partition: executable vs skipped (triggers + sub-components).
	executable := map[string]*NodeInfo{}
	for _, n := range nodes {
		if n.ComponentType.IsExecutable() {
			executable[n.NodeID] = &NodeInfo{Node: n}
		}
	}
	if len(executable) == 0 {
		return nil, flow.Errf(flow.CodeValidation, "workflow has no executable nodes")
	}

	topo := &Topology{
		Workflow:         w,
		Nodes:            executable,
		EdgesBySource:    map[string][]*flow.Edge{},
		IncomingCount:    map[string]int{},
		LoopBodies:       map[string][]string{},
		LoopReturnNodes:  map[string][]string{},
		LoopBodyAllNodes: map[string][]string{},
	}

	// Keep only edges fully inside the executable set.
	for _, e := range ctrl {
		if executable[e.SourceNodeID] == nil || executable[e.TargetNodeID] == nil {
			continue
		}
		topo.Edges = append(topo.Edges, e)
		topo.EdgesBySource[e.SourceNodeID] = append(topo.EdgesBySource[e.SourceNodeID], e)
		if e.EdgeLabel != flow.LabelLoopReturn {
			topo.IncomingCount[e.TargetNodeID]++
		}
	}
	for _, edges := range topo.EdgesBySource {
		sortEdges(edges)
	}

	topo.EntryNodeIDs = selectEntries(nodes, executable, topo)

	for id, info := range executable {
		if info.ComponentType != flow.TypeLoop {
			continue
		}
		topo.collectLoop(id)
	}

	return topo, nil
}

// OutgoingEdges returns the priority-ordered control-flow edges leaving
// nodeID, excluding loop shaping labels.
func (t *Topology) OutgoingEdges(nodeID string) []*flow.Edge {
	var out []*flow.Edge
	for _, e := range t.EdgesBySource[nodeID] {
		if e.EdgeLabel == flow.LabelControl {
			out = append(out, e)
		}
	}
	return out
}

// Predecessors returns the node ids with a counted (non-loop_return)
// control edge into nodeID.
func (t *Topology) Predecessors(nodeID string) []string {
	var preds []string
	for _, e := range t.Edges {
		if e.TargetNodeID == nodeID && e.EdgeLabel != flow.LabelLoopReturn {
			preds = append(preds, e.SourceNodeID)
		}
	}
	return preds
}

// LoopFor returns the loop node a loop_return source feeds, or "".
func (t *Topology) LoopFor(sourceNodeID string) string {
	for loopID, sources := range t.LoopReturnNodes {
		for _, s := range sources {
			if s == sourceNodeID {
				return loopID
			}
		}
	}
	return ""
}

// collectLoop enumerates loop_body targets and the bounded BFS closure of
// the body subgraph for one loop node.
func (t *Topology) collectLoop(loopID string) {
	var bodyStarts []string
	for _, e := range t.EdgesBySource[loopID] {
		if e.EdgeLabel == flow.LabelLoopBody {
			bodyStarts = append(bodyStarts, e.TargetNodeID)
		}
	}
	t.LoopBodies[loopID] = bodyStarts

	for _, e := range t.Edges {
		if e.EdgeLabel == flow.LabelLoopReturn && e.TargetNodeID == loopID {
			t.LoopReturnNodes[loopID] = append(t.LoopReturnNodes[loopID], e.SourceNodeID)
		}
	}

	// BFS over direct edges, stopping at the loop node so the body
	// subgraph stays bounded.
	seen := map[string]bool{}
	queue := append([]string{}, bodyStarts...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == loopID || seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range t.EdgesBySource[cur] {
			if e.EdgeLabel == flow.LabelControl && e.TargetNodeID != loopID {
				queue = append(queue, e.TargetNodeID)
			}
		}
	}
	closure := make([]string, 0, len(seen))
	for id := range seen {
		closure = append(closure, id)
	}
	sort.Strings(closure)
	t.LoopBodyAllNodes[loopID] = closure
}

// selectEntries picks the entry node set:
//  1. every executable node flagged is_entry_point, else
//  2. targets of edges whose source is a trigger node, else
//  3. the lowest-id executable node.
func selectEntries(all []*flow.Node, executable map[string]*NodeInfo, topo *Topology) []string {
	var entries []string
	for _, n := range all {
		if n.IsEntryPoint && executable[n.NodeID] != nil {
			entries = append(entries, n.NodeID)
		}
	}
	if len(entries) > 0 {
		sort.Strings(entries)
		return entries
	}

	triggers := map[string]bool{}
	for _, n := range all {
		if n.ComponentType.IsTrigger() {
			triggers[n.NodeID] = true
		}
	}
	for _, e := range topo.Workflow.Edges {
		if e.EdgeLabel == flow.LabelControl && triggers[e.SourceNodeID] && executable[e.TargetNodeID] != nil {
			entries = append(entries, e.TargetNodeID)
		}
	}
	if len(entries) > 0 {
		sort.Strings(entries)
		return dedupe(entries)
	}

	lowest := ""
	var lowestID int64
	for id, info := range executable {
		if lowest == "" || info.ID < lowestID {
			lowest = id
			lowestID = info.ID
		}
	}
	return []string{lowest}
}

// reachableFrom walks direct targets and conditional-mapping targets from
// the trigger node.
func reachableFrom(w *flow.Workflow, ctrl []*flow.Edge, start string) map[string]bool {
	targets := func(e *flow.Edge) []string {
		out := []string{e.TargetNodeID}
		for _, t := range e.ConditionMapping {
			out = append(out, t)
		}
		return out
	}

	reach := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range ctrl {
			if e.SourceNodeID != cur {
				continue
			}
			for _, tgt := range targets(e) {
				if tgt == "" || tgt == flow.EndNode || reach[tgt] {
					continue
				}
				reach[tgt] = true
				queue = append(queue, tgt)
			}
		}
	}
	return reach
}

func filterNodes(nodes []*flow.Node, keep map[string]bool) []*flow.Node {
	var out []*flow.Node
	for _, n := range nodes {
		if keep[n.NodeID] {
			out = append(out, n)
		}
	}
	return out
}

func filterEdges(edges []*flow.Edge, keep map[string]bool) []*flow.Edge {
	var out []*flow.Edge
	for _, e := range edges {
		if keep[e.SourceNodeID] && keep[e.TargetNodeID] {
			out = append(out, e)
		}
	}
	return out
}

func sortEdges(edges []*flow.Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority > edges[j].Priority
		}
		return edges[i].ID < edges[j].ID
	})
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
