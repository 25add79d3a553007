package engine

import (
	"fmt"
	"sync"

	"github.com/Qiu-Ye/swarmflow/types"
)

// RunRegistry holds the topologies resumable in this process plus the
// decided outcomes keyed by approval ID. It is an explicit object with a
// clear lifecycle: created per process, owned by the embedding layer, no
// package-level state.
type RunRegistry struct {
	topologies map[string]Topology
	outcomes   map[string]*RunOutcome
	mu         sync.RWMutex
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		topologies: make(map[string]Topology),
		outcomes:   make(map[string]*RunOutcome),
	}
}

// Register makes a topology available for start and resume by name.
func (r *RunRegistry) Register(topo Topology) error {
	if topo == nil {
		return types.NewError(types.ErrInvalidTopology, "cannot register nil topology")
	}
	if err := topo.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topologies[topo.Name()]; exists {
		return types.NewError(types.ErrInvalidTopology,
			fmt.Sprintf("topology already registered: %s", topo.Name()))
	}
	r.topologies[topo.Name()] = topo
	return nil
}

// Topology looks a registered topology up by name.
func (r *RunRegistry) Topology(name string) (Topology, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topologies[name]
	return t, ok
}

// Names returns the registered topology names.
func (r *RunRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topologies))
	for name := range r.topologies {
		names = append(names, name)
	}
	return names
}

// SaveOutcome caches the decided outcome for an approval ID, making repeated
// approve/reject calls idempotent within this process.
func (r *RunRegistry) SaveOutcome(approvalID string, outcome *RunOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[approvalID] = outcome
}

// Outcome returns the cached outcome for an approval ID.
func (r *RunRegistry) Outcome(approvalID string) (*RunOutcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outcomes[approvalID]
	return o, ok
}

// Close releases the registry. Outcomes and topology bindings do not survive
// the process; persisted approval records do.
func (r *RunRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topologies = make(map[string]Topology)
	r.outcomes = make(map[string]*RunOutcome)
}
