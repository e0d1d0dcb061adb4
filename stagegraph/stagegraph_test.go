package stagegraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, deps ...string) StageNode {
	return StageNode{StageID: id, AgentKind: "agent-" + id, Dependencies: deps, OnFailure: Abort}
}

// linear: ingest -> extract -> {summarize, classify} -> merge
func sampleGraph() *StageGraph {
	g := NewStageGraph()
	g.AddStage(node("ingest"))
	g.AddStage(node("extract", "ingest"))
	g.AddStage(node("summarize", "extract"))
	g.AddStage(node("classify", "extract"))
	g.AddStage(node("merge", "summarize", "classify"))
	return g
}

func TestValidate_AcceptsValidDAG(t *testing.T) {
	g := sampleGraph()
	assert.NoError(t, g.Validate())
}

func TestValidate_RejectsCycle(t *testing.T) {
	g := NewStageGraph()
	g.AddStage(node("a", "c"))
	g.AddStage(node("b", "a"))
	g.AddStage(node("c", "b"))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_RejectsMissingDependency(t *testing.T) {
	g := NewStageGraph()
	g.AddStage(node("a"))
	g.AddStage(node("b", "ghost"))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined stage")
}

func TestValidate_RejectsMultipleRoots(t *testing.T) {
	g := NewStageGraph()
	g.AddStage(node("a"))
	g.AddStage(node("b"))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root stages")
}

func TestValidate_RejectsNoRoot(t *testing.T) {
	g := NewStageGraph()
	// A self-dependency leaves every node with a nonzero dependency count
	// while still passing the closure check, exercising the no-root path
	// independently from the cycle check.
	g.AddStage(node("a", "a"))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no root stage")
}

func TestValidate_RejectsDuplicateStageID(t *testing.T) {
	g := NewStageGraph()
	g.AddStage(node("a"))
	g.AddStage(node("a")) // AddStage records the duplicate ID for Validate to catch
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestRoots_ReturnsZeroDependencyStages(t *testing.T) {
	g := sampleGraph()
	assert.Equal(t, []string{"ingest"}, g.Roots())
}

func TestUnblocked_ReflectsDoneAndInFlight(t *testing.T) {
	g := sampleGraph()

	assert.Equal(t, []string{"ingest"}, g.Unblocked(map[string]bool{}, map[string]bool{}))

	done := map[string]bool{"ingest": true}
	assert.Equal(t, []string{"extract"}, g.Unblocked(done, map[string]bool{}))

	done["extract"] = true
	assert.ElementsMatch(t, []string{"summarize", "classify"}, g.Unblocked(done, map[string]bool{}))

	inFlight := map[string]bool{"summarize": true}
	assert.Equal(t, []string{"classify"}, g.Unblocked(done, inFlight))

	done["summarize"] = true
	done["classify"] = true
	assert.Equal(t, []string{"merge"}, g.Unblocked(done, map[string]bool{}))

	done["merge"] = true
	assert.Empty(t, g.Unblocked(done, map[string]bool{}))
}

func TestDescendants_ReturnsTransitiveSuccessors(t *testing.T) {
	g := sampleGraph()
	assert.ElementsMatch(t, []string{"extract", "summarize", "classify", "merge"}, g.Descendants("ingest"))
	assert.ElementsMatch(t, []string{"merge"}, g.Descendants("summarize"))
	assert.Empty(t, g.Descendants("merge"))
	assert.Empty(t, g.Descendants("nonexistent"))
}

func TestStageIDs_PreservesInsertionOrder(t *testing.T) {
	g := sampleGraph()
	assert.Equal(t, []string{"ingest", "extract", "summarize", "classify", "merge"}, g.StageIDs())
}

func TestLoadStageGraph_ParsesAndValidatesManifest(t *testing.T) {
	manifestYAML := `
stages:
  - stageId: ingest
    agentKind: loader
    dependencies: []
  - stageId: extract
    agentKind: extractor
    dependencies: [ingest]
    onFailure: ABORT
  - stageId: summarize
    agentKind: summarizer
    dependencies: [extract]
    parallelGroup: fanout
    onFailure: SKIP
  - stageId: classify
    agentKind: classifier
    dependencies: [extract]
    parallelGroup: fanout
    onFailure: CONTINUE_WITH_NULL
  - stageId: merge
    agentKind: merger
    dependencies: [summarize, classify]
`
	g, err := LoadStageGraph(strings.NewReader(manifestYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest"}, g.Roots())

	n, ok := g.Stage("summarize")
	require.True(t, ok)
	assert.Equal(t, "summarizer", n.AgentKind)
	assert.Equal(t, "fanout", n.ParallelGroup)
	assert.Equal(t, Skip, n.OnFailure)

	merge, ok := g.Stage("merge")
	require.True(t, ok)
	assert.Equal(t, Abort, merge.OnFailure) // defaulted when omitted from the manifest
}

func TestLoadStageGraph_RejectsInvalidManifest(t *testing.T) {
	manifestYAML := `
stages:
  - stageId: a
    agentKind: x
    dependencies: [ghost]
`
	_, err := LoadStageGraph(strings.NewReader(manifestYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined stage")
}
