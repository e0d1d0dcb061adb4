package pipeline

import (
	"fmt"
	"sync"

	"github.com/itsneelabh/paperflow/agentrunner"
	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/stagegraph"
)

// Registry holds the embedder's one-time registration of agent
// capabilities by kind. Registration happens at startup; the engine never
// hot-reloads agents.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[breaker.AgentKind]agentrunner.Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[breaker.AgentKind]agentrunner.Capability)}
}

// RegisterAgent registers the capability implementing kind. Registering
// the same kind twice overwrites the prior registration; callers that want
// true one-time semantics should check Lookup first.
func (r *Registry) RegisterAgent(kind breaker.AgentKind, capability agentrunner.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[kind] = capability
}

// Lookup returns the capability registered for kind, if any.
func (r *Registry) Lookup(kind breaker.AgentKind) (agentrunner.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.capabilities[kind]
	return cap, ok
}

// ValidateAgainst fails fast if any AgentKind referenced by graph has no
// registered capability, instead of discovering the gap mid-pipeline.
func (r *Registry) ValidateAgainst(graph *stagegraph.StageGraph) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range graph.StageIDs() {
		node, ok := graph.Stage(id)
		if !ok {
			continue
		}
		if _, ok := r.capabilities[breaker.AgentKind(node.AgentKind)]; !ok {
			return fmt.Errorf("pipeline: stage %q references unregistered agent kind %q", id, node.AgentKind)
		}
	}
	return nil
}
