// Package stagegraph implements the static DAG of pipeline stages: nodes
// plus their dependency/dependent adjacency, validated for acyclicity,
// full dependency closure, a single source, and unique stage IDs. A
// StageGraph may be built programmatically or parsed from a YAML manifest.
package stagegraph

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// FailurePolicy controls what happens to downstream stages when a stage
// in this graph fails.
type FailurePolicy string

const (
	Abort            FailurePolicy = "ABORT"
	Skip             FailurePolicy = "SKIP"
	ContinueWithNull FailurePolicy = "CONTINUE_WITH_NULL"
)

// StageNode is one stage in the graph: which agent implements it, what it
// depends on, and how its failure should be handled.
type StageNode struct {
	StageID       string        `yaml:"stageId"`
	AgentKind     string        `yaml:"agentKind"`
	Dependencies  []string      `yaml:"dependencies"`
	ParallelGroup string        `yaml:"parallelGroup,omitempty"`
	OnFailure     FailurePolicy `yaml:"onFailure"`

	dependents []string
}

// StageGraph is the static structure the Orchestrator traverses. It is
// built once via NewStageGraph/AddStage and not mutated concurrently with
// traversal; execution state (which stages are done/in-flight) lives in
// the Orchestrator, not here.
type StageGraph struct {
	nodes map[string]*StageNode
	order []string // insertion order, for deterministic iteration
}

// NewStageGraph creates an empty StageGraph.
func NewStageGraph() *StageGraph {
	return &StageGraph{nodes: make(map[string]*StageNode)}
}

// manifest is the YAML document shape accepted by LoadStageGraph.
type manifest struct {
	Stages []StageNode `yaml:"stages"`
}

// LoadStageGraph parses a YAML manifest of stages and validates the
// resulting graph the same way a programmatically built one is validated.
func LoadStageGraph(r io.Reader) (*StageGraph, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("stagegraph: decode manifest: %w", err)
	}

	g := NewStageGraph()
	for _, s := range m.Stages {
		if s.OnFailure == "" {
			s.OnFailure = Abort
		}
		g.AddStage(s)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// AddStage adds a stage. Adding the same ID twice is a construction error
// the caller should catch via Validate.
func (g *StageGraph) AddStage(node StageNode) {
	if _, exists := g.nodes[node.StageID]; exists {
		g.order = append(g.order, node.StageID) // preserved so Validate can flag the duplicate
		return
	}
	n := node
	n.Dependencies = append([]string{}, node.Dependencies...)
	g.nodes[node.StageID] = &n
	g.order = append(g.order, node.StageID)
	g.rebuildDependents()
}

func (g *StageGraph) rebuildDependents() {
	for _, n := range g.nodes {
		n.dependents = nil
	}
	for id, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

// Validate checks acyclicity, full dependency closure (every referenced
// dependency exists), a single source (exactly one stage with no
// dependencies), and that stage IDs were never duplicated at construction.
func (g *StageGraph) Validate() error {
	seen := make(map[string]int)
	for _, id := range g.order {
		seen[id]++
	}
	for id, count := range seen {
		if count > 1 {
			return fmt.Errorf("stagegraph: stage %q added more than once", id)
		}
	}

	for id, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("stagegraph: stage %q depends on undefined stage %q", id, dep)
			}
		}
	}

	roots := g.Roots()
	if len(roots) == 0 {
		return fmt.Errorf("stagegraph: no root stage (every stage has a dependency)")
	}
	if len(roots) > 1 {
		return fmt.Errorf("stagegraph: %d root stages, expected exactly one: %v", len(roots), roots)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for id := range g.nodes {
		if !visited[id] {
			if g.hasCycle(id, visited, recStack) {
				return fmt.Errorf("stagegraph: cycle reachable from stage %q", id)
			}
		}
	}

	return nil
}

func (g *StageGraph) hasCycle(id string, visited, recStack map[string]bool) bool {
	visited[id] = true
	recStack[id] = true
	for _, dependent := range g.nodes[id].dependents {
		if !visited[dependent] {
			if g.hasCycle(dependent, visited, recStack) {
				return true
			}
		} else if recStack[dependent] {
			return true
		}
	}
	recStack[id] = false
	return false
}

// Roots returns the stages with no dependencies, in insertion order.
func (g *StageGraph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.nodes[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Unblocked returns the stages whose dependencies are all in done, and
// which are not themselves in done or in inFlight.
func (g *StageGraph) Unblocked(done, inFlight map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if done[id] || inFlight[id] {
			continue
		}
		n := g.nodes[id]
		ready := true
		for _, dep := range n.Dependencies {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns the transitive successors of stageId, used to skip
// the downstream stages of a stage that fails under the SKIP policy.
func (g *StageGraph) Descendants(stageID string) []string {
	if _, ok := g.nodes[stageID]; !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		node, ok := g.nodes[id]
		if !ok {
			return
		}
		for _, dependent := range node.dependents {
			if !seen[dependent] {
				seen[dependent] = true
				out = append(out, dependent)
				walk(dependent)
			}
		}
	}
	walk(stageID)
	sort.Strings(out)
	return out
}

// Stage returns the node for id, if present.
func (g *StageGraph) Stage(id string) (*StageNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// StageIDs returns every stage ID in insertion order.
func (g *StageGraph) StageIDs() []string {
	return append([]string{}, g.order...)
}
