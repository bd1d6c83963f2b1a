package plan

import (
	"encoding/json"
	"fmt"
	"sort"
)

// TaskGraph is a DAG of task nodes. Nodes are stored as a flat table and
// edges are the DependsOn lists; there are no pointer cycles to manage.
type TaskGraph struct {
	// Nodes is the task table, in parse order.
	Nodes []TaskNode `json:"nodes"`
}

// Node returns the node with the given id, or nil.
func (g *TaskGraph) Node(taskID string) *TaskNode {
	for i := range g.Nodes {
		if g.Nodes[i].TaskID == taskID {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Validate checks that every dependency references an existing task and that
// the graph is acyclic. Failure is a hard error with the offending task
// named; an empty graph is also rejected.
func (g *TaskGraph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.TaskID == "" {
			return fmt.Errorf("task node of type %s has no task_id", n.Type)
		}
		if !n.Type.IsValid() {
			return fmt.Errorf("task %s has unknown type %q", n.TaskID, n.Type)
		}
		if ids[n.TaskID] {
			return fmt.Errorf("duplicate task id %s", n.TaskID)
		}
		ids[n.TaskID] = true
	}

	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", n.TaskID, dep)
			}
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("task graph contains a cycle through %v", cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the ids left with unsatisfied
// dependencies, which is non-empty exactly when the graph has a cycle.
func (g *TaskGraph) findCycle() []string {
	indegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string)
	for _, n := range g.Nodes {
		indegree[n.TaskID] += 0
		for _, dep := range n.DependsOn {
			indegree[n.TaskID]++
			dependents[dep] = append(dependents[dep], n.TaskID)
		}
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(g.Nodes) {
		return nil
	}
	var remaining []string
	for id, d := range indegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// Ready returns the ids of nodes whose dependencies are all in done, and
// which are not themselves done, in node-table order.
func (g *TaskGraph) Ready(done map[string]bool) []string {
	var ready []string
	for _, n := range g.Nodes {
		if done[n.TaskID] {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.TaskID)
		}
	}
	return ready
}

// Marshal serializes the graph to JSON. Marshal followed by UnmarshalGraph
// yields an equal graph.
func (g *TaskGraph) Marshal() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal task graph: %w", err)
	}
	return data, nil
}

// UnmarshalGraph parses a serialized graph and validates it.
func UnmarshalGraph(data []byte) (*TaskGraph, error) {
	var g TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse task graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
