package pipeline

import (
	"context"
	"testing"

	"github.com/itsneelabh/paperflow/agentrunner"
	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/stagegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupReturnsRegisteredCapability(t *testing.T) {
	r := NewRegistry()
	cap := agentrunner.Capability{
		Kind: "summarizer",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return input, nil
		},
	}
	r.RegisterAgent("summarizer", cap)

	got, ok := r.Lookup("summarizer")
	require.True(t, ok)
	assert.Equal(t, breaker.AgentKind("summarizer"), got.Kind)

	_, ok = r.Lookup("classifier")
	assert.False(t, ok)
}

func TestRegistry_RegisterAgentOverwritesExisting(t *testing.T) {
	r := NewRegistry()
	r.RegisterAgent("summarizer", agentrunner.Capability{Kind: "summarizer", Provider: "v1"})
	r.RegisterAgent("summarizer", agentrunner.Capability{Kind: "summarizer", Provider: "v2"})

	got, ok := r.Lookup("summarizer")
	require.True(t, ok)
	assert.Equal(t, "v2", string(got.Provider))
}

func TestRegistry_ValidateAgainstFailsFastOnUnregisteredKind(t *testing.T) {
	r := NewRegistry()
	r.RegisterAgent("summarizer", agentrunner.Capability{Kind: "summarizer"})

	g := stagegraph.NewStageGraph()
	g.AddStage(stagegraph.StageNode{StageID: "ingest", AgentKind: "summarizer"})
	g.AddStage(stagegraph.StageNode{StageID: "classify", AgentKind: "classifier", Dependencies: []string{"ingest"}})

	err := r.ValidateAgainst(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier")
}

func TestRegistry_ValidateAgainstPassesWhenEveryKindRegistered(t *testing.T) {
	r := NewRegistry()
	r.RegisterAgent("summarizer", agentrunner.Capability{Kind: "summarizer"})
	r.RegisterAgent("classifier", agentrunner.Capability{Kind: "classifier"})

	g := stagegraph.NewStageGraph()
	g.AddStage(stagegraph.StageNode{StageID: "ingest", AgentKind: "summarizer"})
	g.AddStage(stagegraph.StageNode{StageID: "classify", AgentKind: "classifier", Dependencies: []string{"ingest"}})

	assert.NoError(t, r.ValidateAgainst(g))
}
